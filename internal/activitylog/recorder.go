package activitylog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Model identifies the domain object an action touched.
type Model struct {
	Type string
	ID   int64
	Name string
}

// label is the human-readable snapshot stored as model_name.
func (m Model) label() string {
	if m.Name != "" {
		return m.Name
	}
	return fmt.Sprintf("%s #%d", m.Type, m.ID)
}

func (m Model) id() *int64 {
	if m.ID == 0 {
		return nil
	}
	id := m.ID
	return &id
}

// Recorder is the write interceptor domain code calls after a mutation. It
// never fails the caller: storage errors are logged and dropped, and a
// missing actor is ignored.
type Recorder struct {
	svc *Service
}

// NewRecorder wraps svc.
func NewRecorder(svc *Service) *Recorder {
	return &Recorder{svc: svc}
}

// Record logs rec for actor and returns the entry, or nil if nothing was written.
func (r *Recorder) Record(ctx context.Context, actor Actor, rec Record) *LogEntry {
	entry, err := r.svc.Log(ctx, actor, rec)
	if err != nil {
		if !errors.Is(err, ErrNoActor) {
			slog.Error("activity log write dropped",
				"action", rec.Action, "model_type", rec.ModelType, "user_id", actor.UserID, "error", err)
		}
		return nil
	}
	return entry
}

// Created records a new model with its initial attributes.
func (r *Recorder) Created(ctx context.Context, actor Actor, m Model, attrs map[string]any) *LogEntry {
	return r.Record(ctx, actor, Record{
		Action:      "created",
		ModelType:   m.Type,
		ModelID:     m.id(),
		ModelName:   m.label(),
		Description: "Created new " + m.Type,
		NewValues:   attrs,
	})
}

// Updated records a change with the attributes before and after.
func (r *Recorder) Updated(ctx context.Context, actor Actor, m Model, old, updated map[string]any) *LogEntry {
	return r.Record(ctx, actor, Record{
		Action:      "updated",
		ModelType:   m.Type,
		ModelID:     m.id(),
		ModelName:   m.label(),
		Description: "Updated " + m.Type,
		OldValues:   old,
		NewValues:   updated,
	})
}

// Deleted records a removal with the last known attributes.
func (r *Recorder) Deleted(ctx context.Context, actor Actor, m Model, old map[string]any) *LogEntry {
	return r.Record(ctx, actor, Record{
		Action:      "deleted",
		ModelType:   m.Type,
		ModelID:     m.id(),
		ModelName:   m.label(),
		Description: "Deleted " + m.Type,
		OldValues:   old,
	})
}

// Performed records any other action on a model.
func (r *Recorder) Performed(ctx context.Context, actor Actor, action string, m Model, description string) *LogEntry {
	if description == "" {
		description = fmt.Sprintf("Performed %s on %s", action, m.Type)
	}
	return r.Record(ctx, actor, Record{
		Action:      action,
		ModelType:   m.Type,
		ModelID:     m.id(),
		ModelName:   m.label(),
		Description: description,
	})
}

// Viewed records a read of a single model.
func (r *Recorder) Viewed(ctx context.Context, actor Actor, m Model, description string) *LogEntry {
	return r.Performed(ctx, actor, "view", m, description)
}

// Exported records a bulk export of modelType.
func (r *Recorder) Exported(ctx context.Context, actor Actor, modelType, description string) *LogEntry {
	return r.Record(ctx, actor, Record{
		Action:      "export",
		ModelType:   modelType,
		ModelName:   modelType + " Export",
		Description: description,
	})
}

// Imported records a bulk import of modelType.
func (r *Recorder) Imported(ctx context.Context, actor Actor, modelType, description string) *LogEntry {
	return r.Record(ctx, actor, Record{
		Action:      "import",
		ModelType:   modelType,
		ModelName:   modelType + " Import",
		Description: description,
	})
}

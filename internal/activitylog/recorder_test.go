package activitylog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pam-backend/pam-backend/internal/storage/memory"
)

func TestRecorder_CRUDDescriptions(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	r := NewRecorder(s)
	ctx := context.Background()
	project := Model{Type: "Project", ID: 4, Name: "Harbour Expansion"}

	created := r.Created(ctx, alice, project, map[string]any{"name": "Harbour Expansion"})
	updated := r.Updated(ctx, alice, project, map[string]any{"budget": 1.0}, map[string]any{"budget": 2.0})
	deleted := r.Deleted(ctx, alice, project, map[string]any{"name": "Harbour Expansion"})

	tests := []struct {
		entry  *LogEntry
		action string
		desc   string
		hasOld bool
		hasNew bool
	}{
		{created, "created", "Created new Project", false, true},
		{updated, "updated", "Updated Project", true, true},
		{deleted, "deleted", "Deleted Project", true, false},
	}
	for _, tt := range tests {
		if tt.entry == nil {
			t.Fatalf("%s: Recorder returned nil", tt.action)
		}
		if tt.entry.Action != tt.action || deref(tt.entry.Description) != tt.desc {
			t.Errorf("entry = (%s, %q), want (%s, %q)", tt.entry.Action, deref(tt.entry.Description), tt.action, tt.desc)
		}
		if (tt.entry.OldValues != nil) != tt.hasOld || (tt.entry.NewValues != nil) != tt.hasNew {
			t.Errorf("%s: old=%v new=%v", tt.action, tt.entry.OldValues, tt.entry.NewValues)
		}
		if deref(tt.entry.ModelName) != "Harbour Expansion" || *tt.entry.ModelID != 4 {
			t.Errorf("%s: model = (%v, %v)", tt.action, deref(tt.entry.ModelName), tt.entry.ModelID)
		}
	}
}

func TestRecorder_ModelNameFallback(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	e := NewRecorder(s).Viewed(context.Background(), alice, Model{Type: "Certificate", ID: 17}, "")
	if e == nil {
		t.Fatal("Viewed() returned nil")
	}
	if got := deref(e.ModelName); got != "Certificate #17" {
		t.Errorf("ModelName = %q, want %q", got, "Certificate #17")
	}
	if got := deref(e.Description); got != "Performed view on Certificate" {
		t.Errorf("Description = %q", got)
	}
}

func TestRecorder_ExportImport(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	r := NewRecorder(s)

	exp := r.Exported(context.Background(), alice, "Project", "Exported 12 projects")
	imp := r.Imported(context.Background(), alice, "Mitra", "")
	if exp.Action != "export" || deref(exp.ModelName) != "Project Export" || exp.ModelID != nil {
		t.Errorf("export entry = %+v", exp)
	}
	if imp.Action != "import" || deref(imp.ModelName) != "Mitra Import" || imp.Description != nil {
		t.Errorf("import entry = %+v", imp)
	}
}

func TestRecorder_NeverFailsCaller(t *testing.T) {
	s := New(failingStore{Storage: memory.New(), err: errors.New("down")}, Config{})
	r := NewRecorder(s)

	if e := r.Created(context.Background(), alice, Model{Type: "Project", ID: 1}, nil); e != nil {
		t.Errorf("Created() with failing storage = %+v, want nil", e)
	}
	if e := r.Created(context.Background(), Actor{}, Model{Type: "Project", ID: 1}, nil); e != nil {
		t.Errorf("Created() without actor = %+v, want nil", e)
	}
}

// ---------------------------------------------------------------------------
// CleanOldLogs
// ---------------------------------------------------------------------------

func TestCleanOldLogs(t *testing.T) {
	s, store, clock := newTestService(t, Config{})
	ctx := context.Background()

	clock.Set(baseTime.AddDate(0, 0, -40))
	mustLog(t, s, alice, Record{Action: "old"})
	mustLog(t, s, bob, Record{Action: "old"})
	clock.Set(baseTime)
	mustLog(t, s, alice, Record{Action: "new"})
	mustLog(t, s, bob, Record{Action: "new"})

	cutoff := baseTime.AddDate(0, 0, -30)

	uid := int64(1)
	res, err := s.CleanOldLogs(ctx, cutoff, &uid)
	if err != nil {
		t.Fatal(err)
	}
	if res.UsersScanned != 1 || len(res.Deleted) != 1 || res.Deleted[0] != "activity-logs/user_1/2024-04-05.json" {
		t.Errorf("CleanOldLogs(user 1) = %+v", res)
	}
	if exists, _ := store.Exists(ctx, "activity-logs/user_2/2024-04-05.json"); !exists {
		t.Error("user 2 segment removed by single-user sweep")
	}

	res, err = s.CleanOldLogs(ctx, cutoff, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.UsersScanned != 2 || len(res.Deleted) != 1 {
		t.Errorf("CleanOldLogs(all) = %+v, want 2 users scanned, 1 deleted", res)
	}

	for _, id := range []int64{1, 2} {
		logs, _ := s.GetUserLogs(ctx, id, Filters{})
		if len(logs) != 1 || logs[0].Action != "new" {
			t.Errorf("user %d after sweep = %+v, want only the new entry", id, logs)
		}
	}
}

func TestCleanOldLogs_NothingToDo(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	res, err := s.CleanOldLogs(context.Background(), time.Now(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.UsersScanned != 0 || len(res.Deleted) != 0 {
		t.Errorf("CleanOldLogs() on empty store = %+v", res)
	}
}

// Package activitylog implements the file-backed activity log: an append-only,
// per-user, size-bounded and rotating store of audit entries kept as JSON
// segments in a storage.Storage backend.
//
// Layout under the configured base path:
//
//	activity-logs/user_{id}/{YYYY-MM-DD}.json            current segment
//	activity-logs/user_{id}/{YYYY-MM-DD_HH-mm-ss}.json   rotated archive
//
// Every write re-serialises the whole current segment. Filtering, sorting and
// aggregation run in process over a linear scan of the segments.
package activitylog

import (
	"context"
	"errors"
)

var (
	// ErrNoActor is returned by Log when the caller has no resolvable user.
	// Callers that log on behalf of domain mutations should ignore it.
	ErrNoActor = errors.New("activitylog: no actor")

	// ErrStorageUnavailable wraps every storage failure other than not-found.
	ErrStorageUnavailable = errors.New("activitylog: storage unavailable")

	// ErrInvalidRecord is returned when a record cannot be logged as given.
	ErrInvalidRecord = errors.New("activitylog: invalid record")

	// ErrInvalidFilter is returned by ParseFilters for malformed parameters.
	ErrInvalidFilter = errors.New("activitylog: invalid filter")
)

// Actor identifies who performed an action and where the request came from.
type Actor struct {
	UserID    int64
	UserName  string
	IPAddress string
	UserAgent string
}

// Record is what a caller wants logged. Empty strings are stored as null.
type Record struct {
	Action      string
	ModelType   string
	ModelID     *int64
	ModelName   string
	Description string
	OldValues   map[string]any
	NewValues   map[string]any
}

// Forwarder receives each entry after it has been persisted. Errors are
// logged by the service and never surface to the caller of Log.
type Forwarder interface {
	Forward(ctx context.Context, entry *LogEntry) error
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, entry *LogEntry) error

// Forward calls f(ctx, entry).
func (f ForwarderFunc) Forward(ctx context.Context, entry *LogEntry) error {
	return f(ctx, entry)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package activitylog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateOnly = "2006-01-02"

// Filters narrows a result set. All set fields must match; the zero value
// matches everything.
type Filters struct {
	Action    string
	ModelType string
	ModelID   *int64
	UserID    *int64
	DateFrom  *time.Time
	DateTo    *time.Time
	// Search is a case-insensitive substring of description or model name.
	Search string
}

// Match reports whether e satisfies every set filter.
func (f Filters) Match(e *LogEntry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ModelType != "" && deref(e.ModelType) != f.ModelType {
		return false
	}
	if f.ModelID != nil && (e.ModelID == nil || *e.ModelID != *f.ModelID) {
		return false
	}
	if f.UserID != nil && e.UserID != *f.UserID {
		return false
	}
	if f.DateFrom != nil && e.Timestamp.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && e.Timestamp.After(*f.DateTo) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(deref(e.Description)), needle) &&
			!strings.Contains(strings.ToLower(deref(e.ModelName)), needle) {
			return false
		}
	}
	return true
}

func filterEntries(entries []LogEntry, f Filters) []LogEntry {
	out := entries[:0:0]
	for i := range entries {
		if f.Match(&entries[i]) {
			out = append(out, entries[i])
		}
	}
	return out
}

// ParseFilters builds Filters from request parameters (action, model_type,
// model_id, user_id, date_from, date_to, search). Empty values are ignored.
// Date-only values are read in loc; date_to then covers the whole day.
func ParseFilters(params map[string]string, loc *time.Location) (Filters, error) {
	if loc == nil {
		loc = time.Local
	}
	var f Filters

	f.Action = strings.TrimSpace(params["action"])
	f.ModelType = strings.TrimSpace(params["model_type"])
	f.Search = strings.TrimSpace(params["search"])

	var err error
	if f.ModelID, err = parseID(params, "model_id"); err != nil {
		return Filters{}, err
	}
	if f.UserID, err = parseID(params, "user_id"); err != nil {
		return Filters{}, err
	}
	if f.DateFrom, err = parseBound(params, "date_from", loc, false); err != nil {
		return Filters{}, err
	}
	if f.DateTo, err = parseBound(params, "date_to", loc, true); err != nil {
		return Filters{}, err
	}
	return f, nil
}

func parseID(params map[string]string, key string) (*int64, error) {
	v := strings.TrimSpace(params[key])
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%w: %s must be a positive integer", ErrInvalidFilter, key)
	}
	return &id, nil
}

func parseBound(params map[string]string, key string, loc *time.Location, endOfDay bool) (*time.Time, error) {
	v := strings.TrimSpace(params[key])
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return &t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return &t, nil
		}
	}
	t, err := time.ParseInLocation(dateOnly, v, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD or RFC 3339", ErrInvalidFilter, key)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}

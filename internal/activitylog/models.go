package activitylog

import "time"

// LogEntry is one audit record. Nullable fields marshal as JSON null.
type LogEntry struct {
	ID          string         `json:"id"`
	UserID      int64          `json:"user_id"`
	UserName    string         `json:"user_name"`
	Action      string         `json:"action"`
	ModelType   *string        `json:"model_type"`
	ModelID     *int64         `json:"model_id"`
	ModelName   *string        `json:"model_name"`
	OldValues   map[string]any `json:"old_values"`
	NewValues   map[string]any `json:"new_values"`
	Description *string        `json:"description"`
	IPAddress   *string        `json:"ip_address"`
	UserAgent   *string        `json:"user_agent"`
	Timestamp   time.Time      `json:"timestamp"`
	// CreatedAt duplicates Timestamp for older consumers.
	CreatedAt time.Time `json:"created_at"`
}

// Stats aggregates every entry across all users.
type Stats struct {
	TotalActivities     int            `json:"total_activities"`
	TodayActivities     int            `json:"today_activities"`
	ThisWeekActivities  int            `json:"this_week_activities"`
	ThisMonthActivities int            `json:"this_month_activities"`
	ActionsCount        map[string]int `json:"actions_count"`
	ModelsCount         map[string]int `json:"models_count"`
}

// UserOption is a distinct actor seen in the log.
type UserOption struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// FilterOptions lists the distinct values a UI can filter on.
type FilterOptions struct {
	Actions    []string     `json:"actions"`
	ModelTypes []string     `json:"model_types"`
	Users      []UserOption `json:"users"`
}

// CleanupResult reports what a retention sweep removed.
type CleanupResult struct {
	UsersScanned int      `json:"users_scanned"`
	Deleted      []string `json:"deleted"`
}

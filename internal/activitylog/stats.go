package activitylog

import (
	"context"
	"sort"
	"time"
)

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek is Monday 00:00 of t's week.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// GetStats counts every entry in a single full scan.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	defer observeScan("stats", time.Now())

	entries, err := s.scanAll(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	today, week, month := startOfDay(now), startOfWeek(now), startOfMonth(now)

	st := &Stats{
		ActionsCount: map[string]int{},
		ModelsCount:  map[string]int{},
	}
	for i := range entries {
		e := &entries[i]
		st.TotalActivities++
		if !e.Timestamp.Before(today) {
			st.TodayActivities++
		}
		if !e.Timestamp.Before(week) {
			st.ThisWeekActivities++
		}
		if !e.Timestamp.Before(month) {
			st.ThisMonthActivities++
		}
		st.ActionsCount[e.Action]++
		if mt := deref(e.ModelType); mt != "" {
			st.ModelsCount[mt]++
		}
	}
	return st, nil
}

// GetFilterOptions collects the distinct actions, model types and users.
// A user who changed display name is reported with the most recent one.
func (s *Service) GetFilterOptions(ctx context.Context) (*FilterOptions, error) {
	defer observeScan("filter_options", time.Now())

	entries, err := s.scanAll(ctx)
	if err != nil {
		return nil, err
	}

	actions := map[string]struct{}{}
	models := map[string]struct{}{}
	type seenUser struct {
		name string
		at   time.Time
	}
	users := map[int64]seenUser{}

	for i := range entries {
		e := &entries[i]
		actions[e.Action] = struct{}{}
		if mt := deref(e.ModelType); mt != "" {
			models[mt] = struct{}{}
		}
		if u, ok := users[e.UserID]; !ok || e.Timestamp.After(u.at) {
			users[e.UserID] = seenUser{name: e.UserName, at: e.Timestamp}
		}
	}

	opts := &FilterOptions{
		Actions:    sortedKeys(actions),
		ModelTypes: sortedKeys(models),
		Users:      make([]UserOption, 0, len(users)),
	}
	for id, u := range users {
		opts.Users = append(opts.Users, UserOption{ID: id, Name: u.name})
	}
	sort.Slice(opts.Users, func(i, j int) bool { return opts.Users[i].ID < opts.Users[j].ID })
	return opts, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

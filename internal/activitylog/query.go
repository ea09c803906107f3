package activitylog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/pam-backend/pam-backend/internal/storage"
	"github.com/pam-backend/pam-backend/internal/telemetry"
)

var userDirPattern = regexp.MustCompile(`user_(\d+)$`)

func observeScan(op string, start time.Time) {
	telemetry.ActivityLogScanDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// sortNewestFirst orders entries by timestamp descending, then id descending.
func sortNewestFirst(entries []LogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Timestamp, entries[j].Timestamp
		if !a.Equal(b) {
			return a.After(b)
		}
		return entries[i].ID > entries[j].ID
	})
}

// readUserLogs concatenates every segment of one user, newest file name first.
func (s *Service) readUserLogs(ctx context.Context, userID int64) ([]LogEntry, error) {
	files, err := s.segments(ctx, s.userDir(userID))
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path > files[j].Path })

	var all []LogEntry
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := s.readSegment(ctx, f.Path)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

// ListUsers returns the ids of every user with a log directory, ascending.
func (s *Service) ListUsers(ctx context.Context) ([]int64, error) {
	dirs, err := s.store.ListPrefixes(ctx, s.cfg.BasePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []int64{}, nil
		}
		return nil, storageErr("list", s.cfg.BasePath, err)
	}

	ids := make([]int64, 0, len(dirs))
	for _, d := range dirs {
		m := userDirPattern.FindStringSubmatch(d)
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// scanAll reads every user's entries with bounded parallelism and returns
// them concatenated in user id order.
func (s *Service) scanAll(ctx context.Context) ([]LogEntry, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	perUser := make([][]LogEntry, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.scanConcurrency)
	for i, id := range users {
		g.Go(func() error {
			entries, err := s.readUserLogs(gctx, id)
			if err != nil {
				return fmt.Errorf("user %d: %w", id, err)
			}
			perUser[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var n int
	for _, e := range perUser {
		n += len(e)
	}
	all := make([]LogEntry, 0, n)
	for _, e := range perUser {
		all = append(all, e...)
	}
	return all, nil
}

// GetUserLogs returns one user's entries matching f, newest first. A user
// with no segments yields an empty slice.
func (s *Service) GetUserLogs(ctx context.Context, userID int64, f Filters) ([]LogEntry, error) {
	defer observeScan("user", time.Now())

	entries, err := s.readUserLogs(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries = filterEntries(entries, f)
	sortNewestFirst(entries)
	return entries, nil
}

// QueryLogs searches one user when f.UserID is set and every user otherwise.
func (s *Service) QueryLogs(ctx context.Context, f Filters) ([]LogEntry, error) {
	if f.UserID != nil {
		return s.GetUserLogs(ctx, *f.UserID, f)
	}
	defer observeScan("all", time.Now())

	entries, err := s.scanAll(ctx)
	if err != nil {
		return nil, err
	}
	entries = filterEntries(entries, f)
	sortNewestFirst(entries)
	return entries, nil
}

// GetRecentLogs returns the newest limit entries across all users.
func (s *Service) GetRecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	defer observeScan("recent", time.Now())
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	entries, err := s.scanAll(ctx)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ExportUserLogs renders GetUserLogs as an indented JSON array. Payloads are
// exported verbatim.
func (s *Service) ExportUserLogs(ctx context.Context, userID int64, f Filters) ([]byte, error) {
	defer observeScan("export", time.Now())

	entries, err := s.GetUserLogs(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []LogEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return data, nil
}

// DeleteUserLogs removes every segment of the user. It is irreversible.
func (s *Service) DeleteUserLogs(ctx context.Context, userID int64) error {
	unlock := s.locks.lock(userID)
	defer unlock()

	dir := s.userDir(userID)
	if err := s.store.DeletePrefix(ctx, dir); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storageErr("delete", dir, err)
	}
	return nil
}

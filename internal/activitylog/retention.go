package activitylog

import (
	"context"
	"log/slog"
	"time"

	"github.com/pam-backend/pam-backend/internal/telemetry"
)

// CleanOldLogs deletes segments last modified before olderThan, for one
// user when userID is non-nil and for every user otherwise. Each user is
// swept under its write lock.
func (s *Service) CleanOldLogs(ctx context.Context, olderThan time.Time, userID *int64) (*CleanupResult, error) {
	var users []int64
	if userID != nil {
		users = []int64{*userID}
	} else {
		var err error
		if users, err = s.ListUsers(ctx); err != nil {
			return nil, err
		}
	}

	res := &CleanupResult{Deleted: []string{}}
	for _, id := range users {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		deleted, err := s.cleanUser(ctx, id, olderThan)
		res.UsersScanned++
		res.Deleted = append(res.Deleted, deleted...)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Service) cleanUser(ctx context.Context, userID int64, olderThan time.Time) ([]string, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	files, err := s.segments(ctx, s.userDir(userID))
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, f := range files {
		if !f.LastModified.Before(olderThan) {
			continue
		}
		if err := s.store.Delete(ctx, f.Path); err != nil {
			return deleted, storageErr("delete", f.Path, err)
		}
		deleted = append(deleted, f.Path)
		telemetry.ActivityLogRetentionDeletedTotal.Inc()
	}
	if len(deleted) > 0 {
		slog.Info("activity log retention sweep", "user_id", userID, "deleted", len(deleted), "cutoff", olderThan)
	}
	return deleted, nil
}

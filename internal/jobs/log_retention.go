// log_retention.go implements the LogRetentionJob background job, which
// periodically deletes activity log segments older than the configured
// retention window. Deletions are counted by the
// activity_log_retention_deleted_total metric. The job is a no-op when
// activity_log.retention_days is zero, so it is always safe to start.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pam-backend/pam-backend/internal/activitylog"
	"github.com/pam-backend/pam-backend/internal/config"
	"github.com/pam-backend/pam-backend/internal/safego"
)

// LogRetentionJob sweeps expired activity log segments on a fixed interval.
type LogRetentionJob struct {
	svc      *activitylog.Service
	cfg      config.ActivityLogConfig
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLogRetentionJob creates a retention job. CleanupIntervalHours defaults
// to 24.
func NewLogRetentionJob(svc *activitylog.Service, cfg config.ActivityLogConfig) *LogRetentionJob {
	interval := cfg.CleanupInterval()
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &LogRetentionJob{
		svc:      svc,
		cfg:      cfg,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Enabled reports whether a retention window is configured.
func (j *LogRetentionJob) Enabled() bool {
	return j.cfg.RetentionDays > 0
}

// Start runs one sweep immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (j *LogRetentionJob) Start(ctx context.Context) {
	if !j.Enabled() {
		slog.Info("log retention job disabled", "reason", "activity_log.retention_days=0")
		return
	}
	slog.Info("log retention job started", "retention_days", j.cfg.RetentionDays, "interval", j.interval)

	j.wg.Add(1)
	safego.Go("log-retention", func() {
		defer j.wg.Done()

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		j.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				j.RunOnce(ctx)
			case <-j.stopCh:
				slog.Info("log retention job stopped")
				return
			case <-ctx.Done():
				slog.Info("log retention job context cancelled")
				return
			}
		}
	})
}

// Stop signals the loop to exit and waits for an in-flight sweep.
func (j *LogRetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

// RunOnce deletes every segment older than the retention window. Failures
// are logged; the next tick retries.
func (j *LogRetentionJob) RunOnce(ctx context.Context) *activitylog.CleanupResult {
	cutoff := j.cfg.RetentionCutoff(j.svc.Now())
	start := time.Now()

	res, err := j.svc.CleanOldLogs(ctx, cutoff, nil)
	if err != nil {
		slog.Error("log retention sweep failed", "cutoff", cutoff, "error", err)
		return res
	}
	if len(res.Deleted) > 0 {
		slog.Info("log retention sweep finished",
			"users_scanned", res.UsersScanned,
			"segments_deleted", len(res.Deleted),
			"duration", time.Since(start))
	}
	return res
}

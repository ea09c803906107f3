package activitylog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pam-backend/pam-backend/internal/storage"
	"github.com/pam-backend/pam-backend/internal/telemetry"
)

const (
	// DefaultBasePath is the storage prefix holding every user directory.
	DefaultBasePath = "activity-logs"
	// DefaultMaxFileSize is the compact-serialised size that triggers rotation.
	DefaultMaxFileSize int64 = 10 * 1024 * 1024
	// DefaultMaxFilesPerUser caps the number of segments kept per user.
	DefaultMaxFilesPerUser = 100

	defaultScanConcurrency = 8
	defaultRecentLimit     = 10

	segmentExt    = ".json"
	dayLayout     = "2006-01-02"
	archiveLayout = "2006-01-02_15-04-05"
	unknownUser   = "Unknown User"
)

// Config sizes the segment store. Zero fields take the package defaults.
type Config struct {
	BasePath        string
	MaxFileSize     int64
	MaxFilesPerUser int
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now. Day boundaries and statistics use the
// location of the returned times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithForwarder sends every persisted entry to f.
func WithForwarder(f Forwarder) Option {
	return func(s *Service) { s.forwarder = f }
}

// WithScanConcurrency bounds how many users a system-wide scan reads at once.
func WithScanConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.scanConcurrency = n
		}
	}
}

// Service is the activity log engine.
type Service struct {
	store           storage.Storage
	cfg             Config
	now             func() time.Time
	forwarder       Forwarder
	scanConcurrency int
	locks           *userLocks
}

// New creates a Service persisting to store.
func New(store storage.Storage, cfg Config, opts ...Option) *Service {
	if cfg.BasePath = strings.Trim(cfg.BasePath, "/"); cfg.BasePath == "" {
		cfg.BasePath = DefaultBasePath
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxFilesPerUser <= 0 {
		cfg.MaxFilesPerUser = DefaultMaxFilesPerUser
	}

	s := &Service{
		store:           store,
		cfg:             cfg,
		now:             time.Now,
		scanConcurrency: defaultScanConcurrency,
		locks:           newUserLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location is the time zone day boundaries are computed in.
func (s *Service) Location() *time.Location {
	return s.now().Location()
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

func (s *Service) userDir(userID int64) string {
	return fmt.Sprintf("%s/user_%d", s.cfg.BasePath, userID)
}

func storageErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrStorageUnavailable, op, key, err)
}

// Log appends an entry for actor to today's segment, rotating and evicting
// as needed. It returns ErrNoActor without touching storage when the actor
// has no user id.
func (s *Service) Log(ctx context.Context, actor Actor, rec Record) (*LogEntry, error) {
	if actor.UserID <= 0 {
		return nil, ErrNoActor
	}
	action := strings.TrimSpace(rec.Action)
	if action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidRecord)
	}

	now := s.now()
	name := actor.UserName
	if name == "" {
		name = unknownUser
	}
	entry := &LogEntry{
		ID:          "log_" + uuid.Must(uuid.NewV7()).String(),
		UserID:      actor.UserID,
		UserName:    name,
		Action:      action,
		ModelType:   nullable(rec.ModelType),
		ModelID:     rec.ModelID,
		ModelName:   nullable(rec.ModelName),
		OldValues:   rec.OldValues,
		NewValues:   rec.NewValues,
		Description: nullable(rec.Description),
		IPAddress:   nullable(actor.IPAddress),
		UserAgent:   nullable(actor.UserAgent),
		Timestamp:   now,
		CreatedAt:   now,
	}

	start := time.Now()
	unlock := s.locks.lock(actor.UserID)
	err := s.appendEntry(ctx, entry, now)
	unlock()
	telemetry.ActivityLogWriteDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.ActivityLogWriteErrorsTotal.Inc()
		return nil, err
	}
	telemetry.ActivityLogEntriesWrittenTotal.WithLabelValues(action).Inc()

	if s.forwarder != nil {
		if ferr := s.forwarder.Forward(ctx, entry); ferr != nil {
			slog.Warn("activity log forward failed", "id", entry.ID, "user_id", entry.UserID, "error", ferr)
		}
	}
	return entry, nil
}

// appendEntry runs the read-modify-write-rotate-evict cycle. The caller
// holds the user's lock.
func (s *Service) appendEntry(ctx context.Context, entry *LogEntry, now time.Time) error {
	dir := s.userDir(entry.UserID)
	key := dir + "/" + now.Format(dayLayout) + segmentExt

	entries, err := s.readSegment(ctx, key)
	if err != nil {
		return err
	}
	entries = append(entries, *entry)

	compact, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal segment %s: %w", key, err)
	}

	rotated := false
	if int64(len(compact)) > s.cfg.MaxFileSize {
		if err := s.rotate(ctx, dir, key, now); err != nil {
			return err
		}
		entries = entries[len(entries)-1:]
		rotated = true
	}

	if err := s.writeSegment(ctx, key, entries); err != nil {
		return err
	}

	if rotated {
		return s.evict(ctx, dir, key)
	}
	return nil
}

func (s *Service) writeSegment(ctx context.Context, key string, entries []LogEntry) error {
	data, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal segment %s: %w", key, err)
	}
	if _, err := s.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return storageErr("write", key, err)
	}
	return nil
}

// rotate moves the current segment to a timestamped archive name. A missing
// current segment (first write, or a corrupt one already gone) is not an error.
func (s *Service) rotate(ctx context.Context, dir, key string, now time.Time) error {
	base := dir + "/" + now.Format(archiveLayout)
	archive := base + segmentExt
	for i := 1; ; i++ {
		exists, err := s.store.Exists(ctx, archive)
		if err != nil {
			return storageErr("stat", archive, err)
		}
		if !exists {
			break
		}
		archive = fmt.Sprintf("%s_%d%s", base, i, segmentExt)
	}

	if err := s.store.Move(ctx, key, archive); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return storageErr("rotate", key, err)
	}
	telemetry.ActivityLogRotationsTotal.Inc()
	slog.Debug("activity log segment rotated", "from", key, "to", archive)
	return nil
}

// evict deletes the oldest segments, by modification time, until the user is
// within MaxFilesPerUser. The current segment is never a candidate.
func (s *Service) evict(ctx context.Context, dir, current string) error {
	files, err := s.segments(ctx, dir)
	if err != nil {
		return err
	}
	excess := len(files) - s.cfg.MaxFilesPerUser
	if excess <= 0 {
		return nil
	}

	candidates := make([]storage.FileMetadata, 0, len(files))
	for _, f := range files {
		if f.Path != current {
			candidates = append(candidates, f)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastModified.Equal(b.LastModified) {
			return a.LastModified.Before(b.LastModified)
		}
		return a.Path < b.Path
	})
	if excess > len(candidates) {
		excess = len(candidates)
	}

	for _, f := range candidates[:excess] {
		if err := s.store.Delete(ctx, f.Path); err != nil {
			return storageErr("evict", f.Path, err)
		}
		telemetry.ActivityLogEvictionsTotal.Inc()
		slog.Info("activity log segment evicted", "key", f.Path, "modified", f.LastModified)
	}
	return nil
}

// segments lists the JSON segment files of one user directory.
func (s *Service) segments(ctx context.Context, dir string) ([]storage.FileMetadata, error) {
	files, err := s.store.List(ctx, dir)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, storageErr("list", dir, err)
	}
	out := files[:0]
	for _, f := range files {
		if strings.HasSuffix(path.Base(f.Path), segmentExt) && !strings.HasPrefix(path.Base(f.Path), ".") {
			out = append(out, f)
		}
	}
	return out, nil
}

// readSegment returns the entries of one segment. A missing segment is empty.
// A segment that fails to parse is also treated as empty, and its content
// is lost on the next write.
func (s *Service) readSegment(ctx context.Context, key string) ([]LogEntry, error) {
	rc, err := s.store.Download(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, storageErr("read", key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, storageErr("read", key, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	entries, err := decodeSegment(data)
	if err != nil {
		telemetry.ActivityLogCorruptSegmentsTotal.Inc()
		slog.Warn("activity log segment unreadable, treating as empty", "key", key, "error", err)
		return nil, nil
	}
	return entries, nil
}

// decodeSegment keeps numbers in old_values and new_values as json.Number so
// rewriting a segment never rounds integers that do not fit a float64.
func decodeSegment(data []byte) ([]LogEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var entries []LogEntry
	if err := dec.Decode(&entries); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after segment")
	}
	return entries, nil
}

package activitylog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/pam-backend/pam-backend/internal/config"
	"github.com/pam-backend/pam-backend/internal/storage"
	"github.com/pam-backend/pam-backend/internal/storage/local"
	"github.com/pam-backend/pam-backend/internal/storage/memory"
	"github.com/pam-backend/pam-backend/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Wednesday
var baseTime = time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, cfg Config, opts ...Option) (*Service, *memory.Storage, *fakeClock) {
	t.Helper()
	clock := newFakeClock(baseTime)
	store := memory.New(memory.WithClock(clock.Now))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(store, cfg, opts...), store, clock
}

var alice = Actor{UserID: 1, UserName: "Alice", IPAddress: "10.0.0.1", UserAgent: "test-agent"}
var bob = Actor{UserID: 2, UserName: "Bob"}

func mustLog(t *testing.T, s *Service, actor Actor, rec Record) *LogEntry {
	t.Helper()
	e, err := s.Log(context.Background(), actor, rec)
	if err != nil {
		t.Fatalf("Log() error: %v", err)
	}
	return e
}

func keysUnder(t *testing.T, st storage.Storage, dir string) []string {
	t.Helper()
	files, err := st.List(context.Background(), dir)
	if err != nil {
		t.Fatalf("List(%s) error: %v", dir, err)
	}
	var keys []string
	for _, f := range files {
		keys = append(keys, f.Path)
	}
	return keys
}

func readKey(t *testing.T, st storage.Storage, key string) []LogEntry {
	t.Helper()
	rc, err := st.Download(context.Background(), key)
	if err != nil {
		t.Fatalf("Download(%s) error: %v", key, err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	var entries []LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("segment %s is not a JSON array: %v", key, err)
	}
	return entries
}

func seedSegment(t *testing.T, st storage.Storage, key string, entries []LogEntry) {
	t.Helper()
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Upload(context.Background(), key, bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatal(err)
	}
}

type failingStore struct {
	storage.Storage
	err error
}

func (f failingStore) Upload(ctx context.Context, path string, r io.Reader, size int64) (*storage.UploadResult, error) {
	return nil, f.err
}

func (f failingStore) List(ctx context.Context, prefix string) ([]storage.FileMetadata, error) {
	return nil, f.err
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

func TestLog_StampsEntry(t *testing.T) {
	s, store, _ := newTestService(t, Config{})
	id := int64(42)

	e := mustLog(t, s, alice, Record{
		Action:      "updated",
		ModelType:   "Project",
		ModelID:     &id,
		ModelName:   "Bridge",
		Description: "Updated Project",
		OldValues:   map[string]any{"status": "draft"},
		NewValues:   map[string]any{"status": "active"},
	})

	if !strings.HasPrefix(e.ID, "log_") {
		t.Errorf("ID = %q, want log_ prefix", e.ID)
	}
	if e.UserID != 1 || e.UserName != "Alice" {
		t.Errorf("actor = (%d, %q), want (1, Alice)", e.UserID, e.UserName)
	}
	if deref(e.IPAddress) != "10.0.0.1" || deref(e.UserAgent) != "test-agent" {
		t.Errorf("request origin = (%v, %v)", deref(e.IPAddress), deref(e.UserAgent))
	}
	if !e.Timestamp.Equal(baseTime) || !e.CreatedAt.Equal(baseTime) {
		t.Errorf("Timestamp = %v, CreatedAt = %v, want %v", e.Timestamp, e.CreatedAt, baseTime)
	}

	keys := keysUnder(t, store, "activity-logs/user_1")
	if len(keys) != 1 || keys[0] != "activity-logs/user_1/2024-05-15.json" {
		t.Fatalf("segments = %v, want [activity-logs/user_1/2024-05-15.json]", keys)
	}
	stored := readKey(t, store, keys[0])
	if len(stored) != 1 || stored[0].ID != e.ID {
		t.Errorf("stored = %+v, want the logged entry", stored)
	}
	if stored[0].OldValues["status"] != "draft" || stored[0].NewValues["status"] != "active" {
		t.Errorf("values not stored verbatim: old=%v new=%v", stored[0].OldValues, stored[0].NewValues)
	}
}

func TestLog_NullableFieldsMarshalAsNull(t *testing.T) {
	s, store, _ := newTestService(t, Config{})
	mustLog(t, s, Actor{UserID: 3}, Record{Action: "login"})

	rc, err := store.Download(context.Background(), "activity-logs/user_3/2024-05-15.json")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var raw []map[string]any
	data, _ := io.ReadAll(rc)
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"model_type", "model_id", "model_name", "old_values", "new_values", "description", "ip_address", "user_agent"} {
		v, ok := raw[0][k]
		if !ok || v != nil {
			t.Errorf("%s = %v (present %v), want null", k, v, ok)
		}
	}
	if raw[0]["user_name"] != "Unknown User" {
		t.Errorf("user_name = %v, want Unknown User", raw[0]["user_name"])
	}
}

func TestLog_NoActor(t *testing.T) {
	s, store, _ := newTestService(t, Config{})

	e, err := s.Log(context.Background(), Actor{UserName: "ghost"}, Record{Action: "created"})
	if !errors.Is(err, ErrNoActor) {
		t.Errorf("Log() error = %v, want ErrNoActor", err)
	}
	if e != nil {
		t.Errorf("Log() entry = %+v, want nil", e)
	}
	if dirs, _ := store.ListPrefixes(context.Background(), "activity-logs"); len(dirs) != 0 {
		t.Errorf("storage touched: %v", dirs)
	}
}

func TestLog_RequiresAction(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	if _, err := s.Log(context.Background(), alice, Record{Action: "  "}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Log() error = %v, want ErrInvalidRecord", err)
	}
}

func TestLog_StorageFailureIsSurfaced(t *testing.T) {
	boom := errors.New("disk on fire")
	s := New(failingStore{Storage: memory.New(), err: boom}, Config{})
	before := telemetry.CounterValue(telemetry.ActivityLogWriteErrorsTotal)

	_, err := s.Log(context.Background(), alice, Record{Action: "created"})
	if !errors.Is(err, ErrStorageUnavailable) || !errors.Is(err, boom) {
		t.Errorf("Log() error = %v, want ErrStorageUnavailable wrapping the cause", err)
	}
	if got := telemetry.CounterValue(telemetry.ActivityLogWriteErrorsTotal); got != before+1 {
		t.Errorf("write errors = %v, want %v", got, before+1)
	}
}

func TestLog_DayBoundaryStartsNewSegment(t *testing.T) {
	s, store, clock := newTestService(t, Config{})
	mustLog(t, s, alice, Record{Action: "a"})
	clock.Advance(24 * time.Hour)
	mustLog(t, s, alice, Record{Action: "b"})

	keys := keysUnder(t, store, "activity-logs/user_1")
	want := []string{"activity-logs/user_1/2024-05-15.json", "activity-logs/user_1/2024-05-16.json"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("segments = %v, want %v", keys, want)
	}
}

func TestLog_Forwarder(t *testing.T) {
	var got []*LogEntry
	fwd := ForwarderFunc(func(ctx context.Context, e *LogEntry) error {
		got = append(got, e)
		return errors.New("sink down")
	})
	s, _, _ := newTestService(t, Config{}, WithForwarder(fwd))

	e, err := s.Log(context.Background(), alice, Record{Action: "created"})
	if err != nil {
		t.Fatalf("Log() error = %v, forwarder errors must not surface", err)
	}
	if len(got) != 1 || got[0].ID != e.ID {
		t.Errorf("forwarded = %v, want the logged entry", got)
	}
}

// ---------------------------------------------------------------------------
// Visibility, isolation, idempotent read
// ---------------------------------------------------------------------------

func TestGetUserLogs_AppendVisibility(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	id := int64(9)
	mustLog(t, s, alice, Record{Action: "created", ModelType: "Certificate", ModelID: &id, Description: "Created new Certificate"})

	logs, err := s.GetUserLogs(context.Background(), 1, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("len = %d, want 1", len(logs))
	}
	e := logs[0]
	if e.Action != "created" || deref(e.ModelType) != "Certificate" || *e.ModelID != 9 || deref(e.Description) != "Created new Certificate" {
		t.Errorf("entry = %+v", e)
	}
}

func TestGetUserLogs_PerUserIsolation(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	mustLog(t, s, alice, Record{Action: "created"})
	mustLog(t, s, bob, Record{Action: "deleted"})

	logs, err := s.GetUserLogs(context.Background(), 2, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].UserID != 2 || logs[0].Action != "deleted" {
		t.Errorf("bob's logs = %+v", logs)
	}
}

func TestGetUserLogs_UnknownUserIsEmpty(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	logs, err := s.GetUserLogs(context.Background(), 404, Filters{})
	if err != nil || len(logs) != 0 {
		t.Errorf("GetUserLogs() = %v, %v; want empty, nil", logs, err)
	}
}

func TestGetUserLogs_IdempotentAndNewestFirst(t *testing.T) {
	s, _, clock := newTestService(t, Config{})
	for i := 0; i < 5; i++ {
		mustLog(t, s, alice, Record{Action: fmt.Sprintf("a%d", i)})
		clock.Advance(7 * time.Hour)
	}

	first, err := s.GetUserLogs(context.Background(), 1, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.GetUserLogs(context.Background(), 1, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 5 || len(second) != 5 {
		t.Fatalf("len = %d/%d, want 5", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("read %d differs: %s vs %s", i, first[i].ID, second[i].ID)
		}
		if i > 0 && first[i].Timestamp.After(first[i-1].Timestamp) {
			t.Errorf("entry %d newer than entry %d", i, i-1)
		}
	}
	if first[0].Action != "a4" {
		t.Errorf("newest = %s, want a4", first[0].Action)
	}
}

// ---------------------------------------------------------------------------
// Rotation and eviction
// ---------------------------------------------------------------------------

func TestLog_RotatesOversizedSegment(t *testing.T) {
	s, store, _ := newTestService(t, Config{MaxFileSize: 1024})
	before := telemetry.CounterValue(telemetry.ActivityLogRotationsTotal)

	var seed []LogEntry
	for i := 0; i < 5; i++ {
		desc := strings.Repeat("x", 300)
		seed = append(seed, LogEntry{
			ID: fmt.Sprintf("log_seed_%d", i), UserID: 1, UserName: "Alice", Action: "seed",
			Description: &desc, Timestamp: baseTime.Add(-time.Hour), CreatedAt: baseTime.Add(-time.Hour),
		})
	}
	seedSegment(t, store, "activity-logs/user_1/2024-05-15.json", seed)

	e := mustLog(t, s, alice, Record{Action: "created"})

	keys := keysUnder(t, store, "activity-logs/user_1")
	want := []string{"activity-logs/user_1/2024-05-15.json", "activity-logs/user_1/2024-05-15_12-00-00.json"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("segments = %v, want %v", keys, want)
	}
	current := readKey(t, store, want[0])
	if len(current) != 1 || current[0].ID != e.ID {
		t.Errorf("current segment = %d entries, want only the new one", len(current))
	}
	if archived := readKey(t, store, want[1]); len(archived) != 5 {
		t.Errorf("archive = %d entries, want 5", len(archived))
	}

	logs, err := s.GetUserLogs(context.Background(), 1, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 6 {
		t.Errorf("total entries = %d, want 6", len(logs))
	}
	if got := telemetry.CounterValue(telemetry.ActivityLogRotationsTotal); got != before+1 {
		t.Errorf("rotations = %v, want %v", got, before+1)
	}
}

func TestLog_ArchiveNameCollisionGetsSuffix(t *testing.T) {
	s, store, _ := newTestService(t, Config{MaxFileSize: 1, MaxFilesPerUser: 50})
	for i := 0; i < 3; i++ {
		mustLog(t, s, alice, Record{Action: "tick"})
	}

	keys := keysUnder(t, store, "activity-logs/user_1")
	want := []string{
		"activity-logs/user_1/2024-05-15.json",
		"activity-logs/user_1/2024-05-15_12-00-00.json",
		"activity-logs/user_1/2024-05-15_12-00-00_1.json",
	}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("segments = %v, want %v", keys, want)
	}
}

func TestLog_EvictionCapStabilises(t *testing.T) {
	s, store, clock := newTestService(t, Config{MaxFileSize: 1, MaxFilesPerUser: 3})

	for i := 0; i < 10; i++ {
		mustLog(t, s, alice, Record{Action: "tick", Description: fmt.Sprintf("write %d", i)})
		clock.Advance(time.Second)

		keys := keysUnder(t, store, "activity-logs/user_1")
		if len(keys) > 3 {
			t.Fatalf("after write %d: %d segments, want at most 3", i, len(keys))
		}
	}

	logs, err := s.GetUserLogs(context.Background(), 1, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range logs {
		got = append(got, deref(e.Description))
	}
	want := []string{"write 9", "write 8", "write 7"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("surviving entries = %v, want %v (oldest evicted)", got, want)
	}
}

func TestLog_EvictionUsesModificationTime(t *testing.T) {
	s, store, _ := newTestService(t, Config{MaxFileSize: 1, MaxFilesPerUser: 2})
	ctx := context.Background()

	// Name order and mtime order disagree: the "newest" name is the oldest file.
	seedSegment(t, store, "activity-logs/user_1/2024-05-14_23-00-00.json", nil)
	seedSegment(t, store, "activity-logs/user_1/2024-05-01_08-00-00.json", nil)
	if err := store.SetModTime("activity-logs/user_1/2024-05-14_23-00-00.json", baseTime.Add(-72*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := store.SetModTime("activity-logs/user_1/2024-05-01_08-00-00.json", baseTime.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	mustLog(t, s, alice, Record{Action: "one"})
	mustLog(t, s, alice, Record{Action: "two"})

	exists, _ := store.Exists(ctx, "activity-logs/user_1/2024-05-14_23-00-00.json")
	if exists {
		t.Error("oldest-by-mtime segment survived eviction")
	}
	if n := len(keysUnder(t, store, "activity-logs/user_1")); n != 2 {
		t.Errorf("segments = %d, want 2", n)
	}
}

func TestLog_RewritePreservesLargeIntegers(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	mustLog(t, s, alice, Record{
		Action:    "finance_value_update",
		OldValues: map[string]any{"amount": int64(9007199254740991)},
		NewValues: map[string]any{"amount": int64(9007199254740993), "ratio": 0.25},
	})
	// The second write rewrites the whole segment.
	mustLog(t, s, alice, Record{Action: "viewed"})

	logs, err := s.GetUserLogs(context.Background(), 1, Filters{Action: "finance_value_update"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("len = %d, want 1", len(logs))
	}
	if got := fmt.Sprint(logs[0].NewValues["amount"]); got != "9007199254740993" {
		t.Errorf("new_values.amount = %s, want 9007199254740993", got)
	}
	if got := fmt.Sprint(logs[0].OldValues["amount"]); got != "9007199254740991" {
		t.Errorf("old_values.amount = %s, want 9007199254740991", got)
	}
	if got := fmt.Sprint(logs[0].NewValues["ratio"]); got != "0.25" {
		t.Errorf("new_values.ratio = %s, want 0.25", got)
	}
}

// ---------------------------------------------------------------------------
// Corrupt segments
// ---------------------------------------------------------------------------

func TestLog_CorruptSegmentSelfHeals(t *testing.T) {
	s, store, _ := newTestService(t, Config{})
	mustLog(t, s, alice, Record{Action: "before"})

	key := "activity-logs/user_1/2024-05-15.json"
	if _, err := store.Upload(context.Background(), key, strings.NewReader("{not json"), 9); err != nil {
		t.Fatal(err)
	}
	before := telemetry.CounterValue(telemetry.ActivityLogCorruptSegmentsTotal)

	logs, err := s.GetUserLogs(context.Background(), 1, Filters{})
	if err != nil || len(logs) != 0 {
		t.Errorf("GetUserLogs() on corrupt segment = %v, %v; want empty, nil", logs, err)
	}

	e := mustLog(t, s, alice, Record{Action: "after"})
	stored := readKey(t, store, key)
	if len(stored) != 1 || stored[0].ID != e.ID {
		t.Errorf("segment after corrupt write = %+v, want only the new entry", stored)
	}
	if got := telemetry.CounterValue(telemetry.ActivityLogCorruptSegmentsTotal); got < before+2 {
		t.Errorf("corrupt segments = %v, want at least %v", got, before+2)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestLog_ConcurrentSameUserNoLostUpdates(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	const writers = 50

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Log(context.Background(), alice, Record{Action: "tick", Description: fmt.Sprint(i)}); err != nil {
				t.Errorf("Log() error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	logs, err := s.GetUserLogs(context.Background(), 1, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != writers {
		t.Errorf("entries = %d, want %d", len(logs), writers)
	}
	if n := s.locks.len(); n != 0 {
		t.Errorf("idle user locks = %d, want 0", n)
	}
}

// ---------------------------------------------------------------------------
// Delete and export
// ---------------------------------------------------------------------------

func TestDeleteUserLogs(t *testing.T) {
	s, store, clock := newTestService(t, Config{})
	mustLog(t, s, alice, Record{Action: "a"})
	clock.Advance(48 * time.Hour)
	mustLog(t, s, alice, Record{Action: "b"})
	mustLog(t, s, bob, Record{Action: "c"})

	if err := s.DeleteUserLogs(context.Background(), 1); err != nil {
		t.Fatalf("DeleteUserLogs() error: %v", err)
	}
	logs, err := s.GetUserLogs(context.Background(), 1, Filters{})
	if err != nil || len(logs) != 0 {
		t.Errorf("GetUserLogs() after delete = %v, %v", logs, err)
	}
	if keys := keysUnder(t, store, "activity-logs/user_1"); len(keys) != 0 {
		t.Errorf("segments remain: %v", keys)
	}
	if logs, _ := s.GetUserLogs(context.Background(), 2, Filters{}); len(logs) != 1 {
		t.Errorf("other user's logs affected: %d", len(logs))
	}

	if err := s.DeleteUserLogs(context.Background(), 1); err != nil {
		t.Errorf("second DeleteUserLogs() = %v, want nil", err)
	}
}

func TestExportUserLogs(t *testing.T) {
	s, _, _ := newTestService(t, Config{})

	empty, err := s.ExportUserLogs(context.Background(), 1, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(empty)) != "[]" {
		t.Errorf("export of empty log = %q, want []", empty)
	}

	mustLog(t, s, alice, Record{Action: "updated", OldValues: map[string]any{"secret": "s1"}})
	mustLog(t, s, alice, Record{Action: "deleted"})

	data, err := s.ExportUserLogs(context.Background(), 1, Filters{Action: "updated"})
	if err != nil {
		t.Fatal(err)
	}
	var got []LogEntry
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if len(got) != 1 || got[0].OldValues["secret"] != "s1" {
		t.Errorf("export = %+v, want the updated entry verbatim", got)
	}
	if !bytes.Contains(data, []byte("\n    ")) {
		t.Error("export is not indented")
	}
}

// ---------------------------------------------------------------------------
// Local filesystem backend end to end
// ---------------------------------------------------------------------------

func TestService_LocalBackend(t *testing.T) {
	store, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	clock := newFakeClock(baseTime)
	s := New(store, Config{MaxFileSize: 1, MaxFilesPerUser: 2}, WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		mustLog(t, s, alice, Record{Action: "tick"})
		clock.Advance(time.Second)
	}
	mustLog(t, s, bob, Record{Action: "tock"})

	users, err := s.ListUsers(context.Background())
	if err != nil || fmt.Sprint(users) != "[1 2]" {
		t.Errorf("ListUsers() = %v, %v; want [1 2]", users, err)
	}
	if n := len(keysUnder(t, store, "activity-logs/user_1")); n != 2 {
		t.Errorf("segments = %d, want 2", n)
	}
	if err := s.DeleteUserLogs(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	users, _ = s.ListUsers(context.Background())
	if fmt.Sprint(users) != "[2]" {
		t.Errorf("ListUsers() after delete = %v, want [2]", users)
	}
}

// Package audit forwards persisted activity log entries to external sinks
// (a SIEM webhook, an append-only JSON lines file). The segment store remains
// the system of record; shippers give security teams a copy that is
// independent of the application's storage and retention.
package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/pam-backend/pam-backend/internal/activitylog"
	"github.com/pam-backend/pam-backend/internal/config"
	"github.com/pam-backend/pam-backend/internal/safego"
	"github.com/pam-backend/pam-backend/internal/telemetry"
)

// Shipper delivers entries to one destination
type Shipper interface {
	// Ship sends an entry to the destination
	Ship(ctx context.Context, entry *activitylog.LogEntry) error
	// Close flushes and releases resources
	Close() error
}

type namedShipper struct {
	name string
	Shipper
}

// MultiShipper fans entries out to every configured shipper. It implements
// activitylog.Forwarder.
type MultiShipper struct {
	shippers []namedShipper
	mu       sync.RWMutex
}

// NewMultiShipper creates a multi-shipper from the enabled configs
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			ms.Close()
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}
		ms.shippers = append(ms.shippers, namedShipper{name: cfg.Type, Shipper: shipper})
	}

	return ms, nil
}

// Len reports how many shippers are active
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Forward ships entry to every destination. One failing shipper does not
// stop the others; the last error is returned.
func (ms *MultiShipper) Forward(ctx context.Context, entry *activitylog.LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			lastErr = err
			telemetry.AuditShipErrorsTotal.WithLabelValues(s.name).Inc()
			slog.Warn("audit shipper error", "shipper", s.name, "id", entry.ID, "error", err)
		}
	}
	return lastErr
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// WebhookShipper POSTs entries as JSON, one per request or batched as an
// array. Delivery happens on a background goroutine so a slow endpoint never
// delays the write that produced the entry.
type WebhookShipper struct {
	cfg       *config.AuditWebhookConfig
	client    *http.Client
	timeout   time.Duration
	queue     chan *activitylog.LogEntry
	batch     []*activitylog.LogEntry
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// webhookQueueSize bounds entries waiting for delivery; Ship drops beyond it.
const webhookQueueSize = 1000

// ErrQueueFull is returned by Ship when the delivery queue is saturated.
var ErrQueueFull = errors.New("audit webhook queue full, entry dropped")

// NewWebhookShipper creates a webhook shipper and starts its sender. A
// positive BatchSize groups entries; otherwise each entry is posted alone.
func NewWebhookShipper(cfg *config.AuditWebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ws := &WebhookShipper{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		queue:   make(chan *activitylog.LogEntry, webhookQueueSize),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	safego.Go("audit-webhook-sender", ws.run)
	return ws, nil
}

func (ws *WebhookShipper) run() {
	defer close(ws.doneCh)

	flushInterval := time.Duration(ws.cfg.FlushInterval) * time.Second
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-ws.queue:
			ws.accept(entry)
		case <-ticker.C:
			ws.flushBatch()
		case <-ws.closeCh:
			for {
				select {
				case entry := <-ws.queue:
					ws.accept(entry)
				default:
					ws.flushBatch()
					return
				}
			}
		}
	}
}

// accept is only called from the sender goroutine
func (ws *WebhookShipper) accept(entry *activitylog.LogEntry) {
	if ws.cfg.BatchSize <= 0 {
		ws.post(entry, 1)
		return
	}
	ws.batch = append(ws.batch, entry)
	if len(ws.batch) >= ws.cfg.BatchSize {
		ws.flushBatch()
	}
}

// flushBatch is only called from the sender goroutine
func (ws *WebhookShipper) flushBatch() {
	if len(ws.batch) == 0 {
		return
	}
	defer func() { ws.batch = ws.batch[:0] }()
	ws.post(ws.batch, len(ws.batch))
}

// post sends payload and counts failures against every entry it carried
func (ws *WebhookShipper) post(payload any, entries int) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal audit payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.timeout)
	defer cancel()

	if err := ws.sendRequest(ctx, data); err != nil {
		telemetry.AuditShipErrorsTotal.WithLabelValues("webhook").Add(float64(entries))
		slog.Warn("failed to deliver audit entries", "entries", entries, "error", err)
	}
}

// Ship queues the entry for delivery. It never blocks; a full queue drops the
// entry and returns ErrQueueFull.
func (ws *WebhookShipper) Ship(_ context.Context, entry *activitylog.LogEntry) error {
	select {
	case <-ws.closeCh:
		return fmt.Errorf("audit webhook shipper closed")
	default:
	}
	select {
	case ws.queue <- entry:
		return nil
	default:
		return ErrQueueFull
	}
}

func (ws *WebhookShipper) sendRequest(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the sender after delivering queued entries
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	<-ws.doneCh
	return nil
}

// FileShipper appends entries as JSON lines, rotating by size
type FileShipper struct {
	cfg  *config.AuditFileConfig
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper opens (or creates) the target file for appending
func NewFileShipper(cfg *config.AuditFileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileShipper{cfg: cfg, file: file}, nil
}

// Ship writes an entry followed by a newline
func (fs *FileShipper) Ship(ctx context.Context, entry *activitylog.LogEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Error("failed to rotate audit log", "path", fs.cfg.Path, "error", err)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rotate shifts path.N to path.N+1, moves path to path.1 and reopens path
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", fs.cfg.Path, i), fmt.Sprintf("%s.%d", fs.cfg.Path, i+1))
	}
	_ = os.Rename(fs.cfg.Path, fs.cfg.Path+".1")
	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.cfg.Path, fs.cfg.MaxBackups+1))
	}

	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}

var _ activitylog.Forwarder = (*MultiShipper)(nil)

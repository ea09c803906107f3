// Package main is the entry point for the activity log server binary.
// It dispatches four subcommands (serve, clean, token, version) via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pam-backend/pam-backend/internal/activitylog"
	"github.com/pam-backend/pam-backend/internal/api"
	"github.com/pam-backend/pam-backend/internal/audit"
	"github.com/pam-backend/pam-backend/internal/auth"
	"github.com/pam-backend/pam-backend/internal/config"
	"github.com/pam-backend/pam-backend/internal/safego"
	"github.com/pam-backend/pam-backend/internal/storage"
	"github.com/pam-backend/pam-backend/internal/telemetry"

	// Import storage backends to register them
	_ "github.com/pam-backend/pam-backend/internal/storage/azure"
	_ "github.com/pam-backend/pam-backend/internal/storage/badger"
	_ "github.com/pam-backend/pam-backend/internal/storage/gcs"
	_ "github.com/pam-backend/pam-backend/internal/storage/local"
	_ "github.com/pam-backend/pam-backend/internal/storage/memory"
	_ "github.com/pam-backend/pam-backend/internal/storage/s3"
)

const (
	version = "0.1.0"
)

// bucketEnsurer is implemented by object store backends that can create
// their bucket or container on first start.
type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	var args []string
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}

	if command == "version" {
		fmt.Printf("Activity log server v%s\n", version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialise structured logger as early as possible so all subsequent log output
	// uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg)
	case "clean":
		return clean(cfg, args)
	case "token":
		return issueToken(cfg, args)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, clean, token, version", command)
	}
}

// openService builds the storage backend and the activity log service. The
// returned cleanup closes the backend and any audit shippers.
func openService(ctx context.Context, cfg *config.Config) (storage.Storage, *activitylog.Service, func(), error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	closers := []io.Closer{}
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, c)
	}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				slog.Warn("close failed", "error", err)
			}
		}
	}

	if e, ok := store.(bucketEnsurer); ok {
		if err := e.EnsureBucket(ctx); err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("failed to prepare storage bucket: %w", err)
		}
	}

	opts := []activitylog.Option{
		activitylog.WithScanConcurrency(cfg.ActivityLog.ScanConcurrency),
	}
	if cfg.Audit.Enabled {
		shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("failed to configure audit shippers: %w", err)
		}
		if shipper.Len() > 0 {
			closers = append(closers, shipper)
			opts = append(opts, activitylog.WithForwarder(shipper))
			slog.Info("audit forwarding enabled", "shippers", shipper.Len())
		}
	}

	svc := activitylog.New(store, activitylog.Config{
		BasePath:        cfg.ActivityLog.BasePath,
		MaxFileSize:     cfg.ActivityLog.MaxFileSize,
		MaxFilesPerUser: cfg.ActivityLog.MaxFilesPerUser,
	}, opts...)
	return store, svc, cleanup, nil
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Validate JWT secret configuration (fails in production if not set)
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	store, svc, cleanup, err := openService(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// Prometheus is served on a dedicated port so the scrape path stays off
	// the public ingress and outside the rate limiter.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	var routerOpts []api.Option
	if cfg.ActivityLog.UpstreamURL != "" {
		target, err := url.Parse(cfg.ActivityLog.UpstreamURL)
		if err != nil {
			return fmt.Errorf("invalid upstream url: %w", err)
		}
		routerOpts = append(routerOpts, api.WithDomainRoutes(api.UpstreamRoutes(target)))
		slog.Info("proxying domain routes", "upstream", target.Redacted(), "track_requests", cfg.ActivityLog.TrackRequests)
	}

	router, bgServices := api.NewRouter(cfg, store, svc, routerOpts...)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	safego.Go("http-server", func() {
		slog.Info("server is ready to accept connections",
			"addr", cfg.Server.GetAddress(),
			"storage_backend", cfg.Storage.DefaultBackend,
			"base_path", cfg.ActivityLog.BasePath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop the retention job and rate limiter goroutines
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// clean runs one retention sweep and exits. It is meant for cron jobs when
// the in-process retention job is disabled.
func clean(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	days := fs.Int("days", cfg.ActivityLog.RetentionDays, "delete segments older than this many days")
	user := fs.Int64("user", 0, "only sweep this user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *days <= 0 {
		return fmt.Errorf("clean: --days must be positive (or set activity_log.retention_days)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, svc, cleanup, err := openService(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var userID *int64
	if *user > 0 {
		userID = user
	}

	cutoff := svc.Now().AddDate(0, 0, -*days)
	res, err := svc.CleanOldLogs(ctx, cutoff, userID)
	if err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	fmt.Printf("Scanned %d user(s), deleted %d segment(s) older than %s\n",
		res.UsersScanned, len(res.Deleted), cutoff.Format(time.RFC3339))
	for _, path := range res.Deleted {
		fmt.Println("  " + path)
	}
	return nil
}

// issueToken mints a bearer token for operators and integration tests.
func issueToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.Int64("user", 0, "user id (required)")
	name := fs.String("name", "", "display name")
	scopes := fs.String("scopes", string(auth.ScopeActivityLogsRead), "comma separated scopes")
	ttl := fs.Duration("ttl", cfg.Auth.TokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user <= 0 {
		return fmt.Errorf("token: --user is required")
	}

	var list []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if err := auth.ValidateScopes(list); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	if *ttl <= 0 {
		*ttl = time.Hour
	}
	tok, err := auth.GenerateJWT(*user, *name, list, cfg.Auth.JWTIssuer, *ttl)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	fmt.Println(tok)
	return nil
}

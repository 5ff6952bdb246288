// Jobhound is the job posting aggregation daemon.
//
// It periodically fetches the configured RSS/Atom feeds, drops postings it
// has already seen, persists the new ones, and pushes them to a Discord
// webhook. A small HTTP surface triggers runs on demand and manages feed
// health.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/run"
	"github.com/sethvargo/go-envconfig"
	"github.com/sethvargo/go-retry"
	_ "golang.org/x/crypto/x509roots/fallback"
	_ "modernc.org/sqlite"

	"github.com/jobhound/jobhound/internal/feedconf"
	"github.com/jobhound/jobhound/internal/fetch"
	"github.com/jobhound/jobhound/internal/health"
	"github.com/jobhound/jobhound/internal/jobhound"
	"github.com/jobhound/jobhound/internal/logger"
	"github.com/jobhound/jobhound/internal/migrations"
	"github.com/jobhound/jobhound/internal/notify"
	"github.com/jobhound/jobhound/internal/pipeline"
	"github.com/jobhound/jobhound/internal/server"
	jhsqlite "github.com/jobhound/jobhound/internal/sqlite"
)

type config struct {
	Database  string `env:"DATABASE, required"`
	FeedsFile string `env:"FEEDS_FILE, default=feeds.json"`
	Port      int    `env:"PORT, default=4444"`

	DiscordWebhookURL    string `env:"DISCORD_WEBHOOK_URL"`
	NotificationsEnabled bool   `env:"NOTIFICATIONS_ENABLED, default=true"`
	RequireNotifications bool   `env:"REQUIRE_NOTIFICATIONS, default=false"`
	MaxPerMessage        int    `env:"MAX_PER_MESSAGE, default=10"`

	FetchInterval          time.Duration `env:"FETCH_INTERVAL, default=15m"`
	RunTimeout             time.Duration `env:"RUN_TIMEOUT, default=5m"`
	FeedTimeout            time.Duration `env:"FEED_TIMEOUT, default=30s"`
	MaxConcurrentFetches   int           `env:"MAX_CONCURRENT_FETCHES, default=8"`
	MaxJobsPerRun          int           `env:"MAX_JOBS_PER_RUN, default=50"`
	HealthFailureThreshold int           `env:"HEALTH_FAILURE_THRESHOLD, default=5"`

	CORSOrigin string `env:"CORS_ORIGIN"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	// Determine which logger format to use
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if cfg.LoggerFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	l := slog.New(logger.NewContextHandler(handler))
	slog.SetDefault(l)

	// Start the application
	if err := runDaemon(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, cfg config) error {
	slog.Info("running", "database", cfg.Database, "feeds_file", cfg.FeedsFile, "port", cfg.Port)

	// Connect to the db
	dbx, err := sqlx.Open("sqlite", fmt.Sprintf("%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000", cfg.Database))
	if err != nil {
		return fmt.Errorf("error opening database: %s", err)
	}
	defer dbx.Close()

	// Migrate, always
	if err := migrations.Run(dbx); err != nil {
		return fmt.Errorf("error migrating: %s", err)
	}

	repo := jhsqlite.New(dbx)
	feeds := feedconf.New(cfg.FeedsFile)
	fetcher := fetch.New(&http.Client{Timeout: cfg.FeedTimeout})
	tracker := health.New(repo, cfg.HealthFailureThreshold)
	notifier := notify.New(nil, notify.Config{
		WebhookURL:    cfg.DiscordWebhookURL,
		MaxPerMessage: cfg.MaxPerMessage,
		Enabled:       cfg.NotificationsEnabled,
	})

	// Make sure the webhook is real before ingesting anything; Discord
	// is occasionally slow to answer, so retry with backoff.
	if notifier.Configured() {
		if err := retry.Fibonacci(ctx, 1*time.Second, func(ctx context.Context) error {
			if err := notifier.Verify(ctx); err != nil {
				slog.Warn("webhook not verified yet", "error", err)
				return retry.RetryableError(err)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("error verifying webhook: %s", err)
		}
		slog.Info("webhook verified")
	} else if cfg.RequireNotifications {
		return errors.New("notifications required but no webhook configured")
	}

	app := &app{
		feeds: feeds,
		pipe: pipeline.New(fetcher, repo, tracker, notifier, pipeline.Config{
			MaxConcurrentFetches: cfg.MaxConcurrentFetches,
			MaxJobsPerRun:        cfg.MaxJobsPerRun,
			RequireNotifications: cfg.RequireNotifications,
		}),
		runTimeout: cfg.RunTimeout,
	}

	srvr := server.New(server.Config{Port: cfg.Port, CORSOrigin: cfg.CORSOrigin}, app, repo)

	var g run.Group
	g.Add(func() error {
		// Block until the surrounding context is canceled
		<-ctx.Done()
		return ctx.Err()
	}, func(error) {})
	g.Add(func() error {
		if err := srvr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error listening: %s", err)
		}
		return nil
	}, func(error) {
		downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srvr.Shutdown(downCtx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}
	})

	loopCtx, loopCancel := context.WithCancel(ctx)
	g.Add(func() error {
		app.loop(loopCtx, cfg.FetchInterval)
		return nil
	}, func(error) {
		loopCancel()
	})

	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running: %s", err)
	}

	return nil
}

// app glues the feed definitions to the pipeline and is the Runner behind
// both the scheduler loop and the on-demand trigger route.
type app struct {
	feeds      jobhound.FeedSource
	pipe       *pipeline.Pipeline
	runTimeout time.Duration
}

func (a *app) RunOnce(ctx context.Context) (jobhound.RunSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, a.runTimeout)
	defer cancel()

	feeds, err := a.feeds.EnabledFeeds(ctx)
	if err != nil {
		return jobhound.RunSummary{}, fmt.Errorf("error loading feeds: %w", err)
	}

	return a.pipe.Run(ctx, feeds)
}

// loop runs the pipeline immediately, then on every tick. Failed runs are
// not retried within the interval; the next tick is the retry.
func (a *app) loop(ctx context.Context, interval time.Duration) {
	runOnce := func() {
		if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduled run failed", "error", err)
		}
	}
	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

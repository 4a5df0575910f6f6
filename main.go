// Moodle-Sentinel watches Moodle courses for new or changed content.
//
// It polls the course contents of every subscription on a fixed
// interval and pushes a chat message through a OneBot endpoint when
// something new shows up.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/run"
	"github.com/sethvargo/go-envconfig"
	_ "golang.org/x/crypto/x509roots/fallback"
	_ "modernc.org/sqlite"

	"github.com/bdbai/moodle-sentinel/internal/check"
	"github.com/bdbai/moodle-sentinel/internal/migrations"
	"github.com/bdbai/moodle-sentinel/internal/moodle"
	"github.com/bdbai/moodle-sentinel/internal/onebot"
	"github.com/bdbai/moodle-sentinel/internal/sentinel"
	"github.com/bdbai/moodle-sentinel/internal/sqlite"
	"github.com/bdbai/moodle-sentinel/internal/subscribe"
	"github.com/bdbai/moodle-sentinel/logger"
)

type config struct {
	Port     int    `env:"PORT, default=4444"`
	Database string `env:"DATABASE, required"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`

	MoodleBaseURL     string `env:"MOODLE_BASE_URL, required"`
	OneBotAPIURL      string `env:"ONEBOT_API_URL, required"`
	OneBotAccessToken string `env:"ONEBOT_ACCESS_TOKEN"`
}

func main() {
	ctx := context.Background()

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
	if err := runApp(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func runApp(ctx context.Context, cfg config) error {
	slog.Info("running", "port", cfg.Port, "database", cfg.Database)

	// Connect to the db
	dsn := fmt.Sprintf("%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000", cfg.Database)
	dbx, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("error opening database: %s", err)
	}
	dbx.SetMaxOpenConns(1)

	// Migrate, always
	if err := migrations.Run(dbx); err != nil {
		return fmt.Errorf("error migrating: %s", err)
	}

	repo := sqlite.New(dbx)
	courses := moodle.New(cfg.MoodleBaseURL)
	messenger := onebot.NewClient(cfg.OneBotAPIURL, cfg.OneBotAccessToken)
	subs := subscribe.New(repo, courses)
	checker := check.New(repo, courses)
	srv := onebot.NewServer(cfg.Port, messenger, repo, subs)

	notify := func(n sentinel.Notification) {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := onebot.Deliver(sendCtx, messenger, n); err != nil {
			slog.Error("error delivering notification", "course_id", n.CourseID, "error", err)
		}
	}

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt))
	g.Add(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error listening: %s", err)
		}

		return nil
	}, func(error) {
		downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(downCtx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}
	})

	checkCtx, cancelChecks := context.WithCancel(ctx)
	g.Add(func() error {
		if err := checker.Run(checkCtx, notify); err != nil {
			return fmt.Errorf("error running checker: %s", err)
		}

		return nil
	}, func(error) {
		cancelChecks()
	})

	err = g.Run()
	var sig run.SignalError
	if err != nil && !errors.As(err, &sig) {
		return fmt.Errorf("error running: %s", err)
	}

	return nil
}

// Command qrsync is the headless synchronization agent for one table
// session: it keeps the push channels alive, reconciles order state into
// the local cache, and serves the result over HTTP for UIs.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/olrightythen/smart-qr-menu-system-sub000/cmd/qrsync/internal/config"
	applog "github.com/olrightythen/smart-qr-menu-system-sub000/log"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	// Optional; a missing .env just means the environment is already set.
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}
	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(cfg)
	if err != nil {
		fatal("startup failed", err)
	}
	log.SetOutput(slog.NewLogLogger(app.logger.Handler(), slog.LevelDebug).Writer())

	appCtx = applog.ContextWithLogger(appCtx, app.logger)

	if err := app.Run(appCtx); err != nil && !errors.Is(err, context.Canceled) {
		fatal("run failed", err)
	}
}

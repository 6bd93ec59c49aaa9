package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/esbmeter/esbmeter/pkg/coordinator"
	"github.com/esbmeter/esbmeter/pkg/esb"
	"github.com/esbmeter/esbmeter/pkg/export"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/metrics"
	"github.com/esbmeter/esbmeter/pkg/notify"
	"github.com/esbmeter/esbmeter/pkg/server"
	"github.com/esbmeter/esbmeter/pkg/session"
	"github.com/joho/godotenv"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// a missing .env is fine, the environment may already be set
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	// init packages, order matters since later ones read earlier ones
	sessions := session.Configured()
	portal := esb.Configured()
	notifier := notify.Configured()
	sinks := export.Configured()
	meters := coordinator.Configured(portal, sessions, notifier, sinks)

	// init server
	srv := server.Configured(meters)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.Ctx(context.Background()))
	slog.Debug("logger configured", slog.String("level", level.String()))

	metrics.Init(nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		sinks.Close()
		if err := notifier.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close notifiers", slog.Any("error", err))
		}
		if err := sessions.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close session store", slog.Any("error", err))
		}
	}()

	log.Ctx(ctx).InfoContext(ctx, "starting meters", slog.Int("meters", meters.Len()))

	var wg sync.WaitGroup
	wg.Go(func() {
		meters.Run(ctx)
	})

	// Run will block until context is canceled or error happens
	err := srv.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}

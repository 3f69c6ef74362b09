package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/chargehelm/chargehelm/pkg/engine"
	"github.com/chargehelm/chargehelm/pkg/inverter"
	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/server"
	"github.com/chargehelm/chargehelm/pkg/source"
	"github.com/chargehelm/chargehelm/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	prices, weather := source.Configured()
	inv := inverter.Configured()
	db := storage.Configured()
	eng := engine.Configured(db, inv, prices, weather)
	sched := engine.ConfiguredScheduler(eng)

	// init server
	srv := server.Configured(db, eng, inv, prices, weather)

	// parse flags
	lflag.Configure()

	// the simulator driver persists its state through storage
	inverter.ConfigureSim(db)

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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// run the scheduler alongside the server; it waits for in-flight cycles
	// on shutdown
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		cancel()
		wg.Wait()
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	cancel()
	wg.Wait()
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

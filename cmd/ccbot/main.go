package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/halcyon-labs/ccbot/internal/config"
	"github.com/halcyon-labs/ccbot/internal/runner"
	"github.com/halcyon-labs/ccbot/internal/server"
	"github.com/halcyon-labs/ccbot/internal/store"
)

var version = "0.1.0"

func main() {
	addr := flag.String("addr", "", "listen address (overrides CCBOT_LISTEN_ADDR)")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("ccbot", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	logLevel := slog.LevelInfo
	if *debug || cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	st, err := store.Open(cfg.DBPath, logger.With("component", "store"))
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	mgr := runner.NewManager(runner.Config{
		ClaudeBin:          cfg.ClaudePath,
		MaxTurns:           cfg.MaxTurns,
		TurnTimeout:        cfg.TurnTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		GracePeriod:        cfg.GracePeriod,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		IdleThreshold:      cfg.IdleThreshold,
		SweepInterval:      cfg.SweepInterval,
		QueueCeiling:       cfg.QueueCeiling,
		MaxHealthFailures:  cfg.MaxHealthFailures,
	}, st, logger.With("component", "runner"))

	srv := server.New(server.Config{
		Addr:        cfg.ListenAddr,
		Logger:      logger.With("component", "server"),
		Version:     version,
		ApprovedDir: cfg.ApprovedDir,
	}, mgr, st)

	// periodic cleanup of dead, idle, and unhealthy sessions
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), func() {
		mgr.RunCleanupSweep()
	}); err != nil {
		logger.Error("failed to schedule cleanup sweep", "err", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	fmt.Fprintf(os.Stderr, "\n  ccbot v%s running at http://%s\n\n", version, cfg.ListenAddr)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	mgr.StopAll(true)
}

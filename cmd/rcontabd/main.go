package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"rcontab/internal/api"
	"rcontab/internal/config"
	"rcontab/internal/console"
	"rcontab/internal/core"
	"rcontab/internal/logging"
	rcontabmcp "rcontab/internal/mcp"
	"rcontab/internal/metrics"
	"rcontab/internal/notify"
	"rcontab/internal/store"
)

var version = "dev"

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("failed to parse config: %v", err)
	}

	// MCP stdio owns stdout.
	var logOut io.Writer = os.Stdout
	if cfg.ServesMCP() {
		logOut = os.Stderr
	}
	logger := logging.New(logOut, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("rcontabd exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		return err
	}
	defer storeInst.Close()

	if n, err := storeInst.FailInterruptedRuns(baseCtx, time.Now()); err != nil {
		logger.Warn("close out interrupted runs", "err", err)
	} else if n > 0 {
		logger.Info("marked interrupted runs as failed", "count", n)
	}

	location := cfg.Location()
	m := metrics.New()

	session := console.New(console.Endpoint{
		Host:               cfg.Console.Host,
		Port:               cfg.Console.Port,
		UseTLS:             cfg.Console.UseTLS,
		InsecureSkipVerify: cfg.Console.TLSInsecure,
	}, cfg.Console.Password,
		console.WithIdleTimeout(cfg.Console.IdleTimeout),
		console.WithDialer(&console.RCONDialer{Timeout: cfg.Console.DialTimeout}),
		console.WithLogger(logger),
		console.WithObserver(m),
	)
	defer session.Close()

	opts := []core.SchedulerOption{
		core.WithPollInterval(cfg.Scheduler.PollInterval),
		core.WithLocation(location),
		core.WithLogger(logger),
		core.WithRunStore(storeInst),
		core.WithObserver(m),
	}
	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	if notifier != nil {
		opts = append(opts, core.WithNotifier(notifier))
	}
	scheduler := core.NewScheduler(session, opts...)

	if err := loadJobs(scheduler, cfg.Scheduler.JobsFile, location, logger); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	scheduler.Start(ctx)

	mcpServer := rcontabmcp.NewMCPServer(session, scheduler, storeInst, logger, location, version)

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.ServesHTTP() {
		server = api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, api.Deps{
			Console: session,
			Jobs:    scheduler,
			Runs:    storeInst,
			Metrics: m.Handler(),
			MCP:     mcpServer.HTTPHandler(),
		}, logger, location)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// A clean stdin EOF ends MCP-only mode; in both mode HTTP keeps serving.
	mcpDone := make(chan error, 1)
	if cfg.ServesMCP() {
		go func() {
			if err := mcpServer.Run(); err != nil || !cfg.ServesHTTP() {
				mcpDone <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-serverErr:
	case runErr = <-mcpDone:
		if runErr == nil {
			logger.Info("mcp client disconnected")
		}
	}

	shutdown(cfg, logger, server, scheduler)
	return runErr
}

func shutdown(cfg *config.Config, logger *slog.Logger, server *api.Server, scheduler *core.Scheduler) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler stop timed out")
	}
	logger.Info("shutdown complete")
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) (core.Notifier, error) {
	bark := cfg.Notification.Bark
	if !bark.Enabled {
		return nil, nil
	}
	barkNotifier, err := notify.NewBarkNotifier(bark.URL)
	if err != nil {
		return nil, err
	}
	return notify.NewThrottled(notify.NewMultiNotifier(barkNotifier), bark.RatePerSec, 3, logger), nil
}

func loadJobs(scheduler *core.Scheduler, path string, location *time.Location, logger *slog.Logger) error {
	jobs, err := core.LoadJobFile(path, location, logger)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("job file not found, no jobs scheduled", "path", path)
			return nil
		}
		return err
	}
	for _, job := range jobs {
		if err := scheduler.AddJob(job); err != nil {
			return err
		}
	}
	logger.Info("jobs loaded", "path", path, "count", len(jobs))
	return nil
}

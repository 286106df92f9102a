package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"taskpilot/internal/api"
	"taskpilot/internal/awake"
	"taskpilot/internal/config"
	"taskpilot/internal/core"
	"taskpilot/internal/events"
	"taskpilot/internal/logging"
	taskpilotmcp "taskpilot/internal/mcp"
	"taskpilot/internal/notify"
	"taskpilot/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	os.Exit(run(cfg))
}

func run(cfg *config.Config) int {
	// stdout belongs to the MCP protocol when serving stdio.
	var logger *slog.Logger
	if cfg.Mode.ServesStdio() {
		logger = logging.NewWithWriter(os.Stderr, cfg.Log.Level)
	} else {
		logger = logging.New(cfg.Log.Level)
	}

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		logger.Error("open store", "err", err)
		return 1
	}
	defer storeInst.Close()

	if n, err := storeInst.MarkInterruptedRuns(baseCtx); err != nil {
		logger.Warn("mark interrupted runs", "err", err)
	} else if n > 0 {
		logger.Info("marked interrupted runs", "count", n)
	}

	location := cfg.Location()
	bus := events.New()
	schedule := store.NewScheduleRepo(cfg.SchedulePath())
	failures := store.NewFailureRepo(cfg.FailuresPath())

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		logger.Error("configure notifications", "err", err)
		return 1
	}

	runner := core.NewRunner(cfg.Tasks.Dir, cfg.Tasks.GoBinary, logger)
	service := core.NewService(runner, failures, bus, logger,
		core.WithRunStore(storeInst),
		core.WithDataSink(storeInst),
		core.WithNotifier(notifier),
	)

	var keepAwake core.KeepAwake
	var controller *awake.Controller
	if cfg.KeepAwake.Enabled {
		command := cfg.KeepAwake.Command
		if len(command) == 0 {
			command = awake.DefaultCommand()
		}
		controller = awake.New(command, logger)
		if controller.Enabled() {
			keepAwake = controller
		} else {
			logger.Info("no keep-awake helper for this platform")
		}
	}
	defer func() {
		if controller == nil {
			return
		}
		if err := controller.Stop(); err != nil {
			logger.Warn("stop keep-awake helper", "err", err)
		}
	}()

	scheduler := core.NewScheduler(schedule, service, keepAwake, bus, logger, location)
	control := core.NewControl(schedule, failures, scheduler, runner, bus, location)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("start scheduler", "err", err)
		return 1
	}

	go func() {
		err := store.WatchSchedule(ctx, schedule, logger, func(ctx context.Context) {
			logger.Info("schedule file changed, reloading")
			control.ScheduleChanged(ctx)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("schedule watcher stopped", "err", err)
		}
	}()

	mcpServer := taskpilotmcp.NewServer(control, storeInst, logger)

	var httpServer *api.Server
	serverErr := make(chan error, 1)
	if cfg.Mode.ServesHTTP() {
		httpServer = api.NewServer(api.Options{
			Addr:      cfg.Server.Addr,
			AuthToken: cfg.Server.AuthToken,
			Control:   control,
			Store:     storeInst,
			Bus:       bus,
			MCP:       mcpServer.Handler(),
			Logger:    logger,
		})
		go func() {
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	stdioDone := make(chan error, 1)
	if cfg.Mode.ServesStdio() {
		go func() {
			stdioDone <- mcpServer.ServeStdio()
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
		exitCode = 1
	case err := <-stdioDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mcp server error", "err", err)
			exitCode = 1
		} else {
			logger.Info("mcp client disconnected")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler stop timed out")
	}
	cancel()

	drained := make(chan struct{})
	go func() {
		service.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("failure recording did not finish before shutdown")
	}

	logger.Info("shutdown complete")
	return exitCode
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) (core.Notifier, error) {
	bark := cfg.Notification.Bark
	if !bark.Enabled || bark.URL == "" {
		return &notify.NoOpNotifier{}, nil
	}
	barkNotifier, err := notify.NewBarkNotifier(bark.URL)
	if err != nil {
		return nil, err
	}
	logger.Info("bark notifications enabled")
	return notify.NewLimitedNotifier(notify.NewMultiNotifier(barkNotifier), cfg.Notification.RatePerMinute, logger), nil
}

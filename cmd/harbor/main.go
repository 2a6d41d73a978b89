package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"harbor/internal/api"
	"harbor/internal/config"
	"harbor/internal/event"
	"harbor/internal/logging"
	"harbor/internal/manager"
	"harbor/internal/ports"
	"harbor/internal/store"
	"harbor/internal/stream"
	"harbor/internal/version"
	"harbor/internal/watcher"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("harbor", flag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("HARBOR_CONFIG"), "path to the YAML configuration file")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Println("harbor " + version.GetInfo().String())
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	level, ok := logging.ParseLevel(cfg.Log.Level)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.New(os.Stderr, level)

	if err := serve(cfg, logger); err != nil {
		logger.Error("harbor stopped", map[string]string{"error": err.Error()})
		return 1
	}
	return 0
}

func serve(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	pool, err := ports.NewPool(ports.PoolOptions{
		MinPort: cfg.Ports.Min,
		MaxPort: cfg.Ports.Max,
	})
	if err != nil {
		return fmt.Errorf("build port pool: %w", err)
	}

	busCtx, cancelBuses := context.WithCancel(context.Background())
	defer cancelBuses()
	instanceBus := event.NewBus[event.InstanceEvent](busCtx, event.BusOptions{
		Name: "instance",
	})
	sessionBus := event.NewBus[event.SessionEvent](busCtx, event.BusOptions{
		Name: "session",
	})

	mgr, err := manager.New(manager.Options{
		Pool:               pool,
		Store:              db,
		Bus:                instanceBus,
		Logger:             logger,
		WorkerCommand:      cfg.Worker.Command,
		WorkerArgs:         cfg.Worker.Args,
		MaxInstances:       cfg.Instances.Max,
		IdleTimeout:        cfg.Instances.IdleTimeout.Std(),
		HealthInterval:     cfg.Instances.HealthInterval.Std(),
		StartupTimeout:     cfg.Worker.StartupTimeout.Std(),
		StopGracePeriod:    cfg.Worker.StopGrace.Std(),
		RestartBackoffBase: cfg.Instances.RestartBackoffBase.Std(),
		RestartBackoffCap:  cfg.Instances.RestartBackoffCap.Std(),
		MaxRestarts:        cfg.Instances.MaxRestarts,
	})
	if err != nil {
		return fmt.Errorf("build manager: %w", err)
	}

	if err := mgr.RecoverFromStore(ctx); err != nil {
		logger.Warn("recovery incomplete", map[string]string{"error": err.Error()})
	}
	go mgr.RunHealthLoop(ctx)

	streams := stream.NewHandler(stream.Options{
		Logger:        logger,
		Bus:           sessionBus,
		BatchWindow:   cfg.Stream.BatchWindow.Std(),
		DedupTTL:      cfg.Stream.DedupTTL.Std(),
		ReconnectBase: cfg.Stream.ReconnectBase.Std(),
		ReconnectCap:  cfg.Stream.ReconnectCap.Std(),
	})
	defer streams.Close()

	projectWatcher, err := watcher.New(watcher.Options{
		Logger:   logger,
		OnActive: mgr.RecordProjectActivity,
	})
	if err != nil {
		return fmt.Errorf("build watcher: %w", err)
	}
	defer projectWatcher.Close()
	go followInstanceLifecycle(ctx, instanceBus, projectWatcher, logger)

	server := &api.Server{
		Manager:     mgr,
		Streams:     streams,
		InstanceBus: instanceBus,
		SessionBus:  sessionBus,
		Logger:      logger,
		AuthToken:   cfg.API.Token,
	}

	logger.Info("harbor listening", map[string]string{
		"addr":      cfg.API.Addr,
		"ports_min": strconv.Itoa(cfg.Ports.Min),
		"ports_max": strconv.Itoa(cfg.Ports.Max),
	})
	serveErr := server.Run(ctx, cfg.API.Addr)
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Error("api server failed", map[string]string{"error": serveErr.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.StopGrace.Std()*2)
	defer cancel()
	if err := mgr.StopAll(shutdownCtx); err != nil {
		logger.Warn("stop all incomplete", map[string]string{"error": err.Error()})
	}
	logger.Info("harbor stopped", nil)
	return serveErr
}

// followInstanceLifecycle keeps the filesystem watcher in step with the
// registry: started instances get their project watched, stopped ones
// released.
func followInstanceLifecycle(ctx context.Context, bus *event.Bus[event.InstanceEvent], projectWatcher *watcher.Watcher, logger *logging.Logger) {
	events, cancel := bus.SubscribeTypes(
		event.TypeInstanceStarted,
		event.TypeInstanceStopped,
		event.TypeIdleReclaimed,
	)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.EventType {
			case event.TypeInstanceStarted:
				if err := projectWatcher.Watch(ev.ProjectPath); err != nil {
					logger.Warn("watch project failed", map[string]string{
						"project": ev.ProjectPath,
						"error":   err.Error(),
					})
				}
			default:
				if err := projectWatcher.Unwatch(ev.ProjectPath); err != nil && !errors.Is(err, watcher.ErrNotWatched) {
					logger.Warn("unwatch project failed", map[string]string{
						"project": ev.ProjectPath,
						"error":   err.Error(),
					})
				}
			}
		}
	}
}

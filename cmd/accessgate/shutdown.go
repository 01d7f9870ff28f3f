package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/briefwire/accessgate/internal/config"
	"github.com/briefwire/accessgate/internal/observability"
)

// run starts the server and the config watcher, then blocks until a
// shutdown signal arrives.
func run(app *application, configPath string, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := startConfigWatcher(app, configPath, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverDone := false
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal",
			observability.String("signal", sig.String()),
		)
	case err := <-serverErr:
		serverDone = true
		if err != nil {
			logger.Error("http server failed", observability.Error(err))
		}
	}

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error("failed to stop config watcher", observability.Error(err))
		}
	}

	cancel()
	if !serverDone {
		if err := <-serverErr; err != nil {
			logger.Error("http server shutdown error", observability.Error(err))
		}
	}

	app.close()
	logger.Info("shutdown complete")
}

// startConfigWatcher begins hot reload of the tunable settings. A
// missing config file disables hot reload; the service keeps its
// startup configuration.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	if _, err := os.Stat(configPath); err != nil {
		return nil
	}

	watcher, err := config.NewWatcher(configPath, app.applyConfig,
		config.WithWatcherLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Error("failed to start config watcher", observability.Error(err))
		return nil
	}

	return watcher
}

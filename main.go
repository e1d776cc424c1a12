package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/b0bbywan/go-odio-portal/backend"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		logger.Fatal("[%s] Failed to load config: %v", config.AppName, err)
	}

	// Set log level from config
	logger.SetLevel(cfg.LogLevel)

	// Global context for the entire application
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize backends
	b, err := backend.New(ctx, cfg)
	if err != nil {
		logger.Fatal("[%s] Backend initialization failed: %v", config.AppName, err)
	}

	server, err := portal.NewServer(ctx, cfg, b)
	if err != nil {
		b.Close()
		logger.Fatal("[%s] Portal server failed: %v", config.AppName, err)
	}

	// Trace session and stream lifecycle through the event fan-out
	go func() {
		ch := b.SubscribeFunc(events.FilterTypes([]string{
			events.TypeSessionClosed, events.TypeStreamTerminated, events.TypeGrantRevoked,
		}))
		defer b.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				logger.Info("[%s] %s: %v", config.AppName, e.Type, e.Data)
			}
		}
	}()

	// Reload logging on config file change; bus-level settings need a restart
	if err := config.Watch(ctx, func(updated *config.Config) {
		logger.SetLevel(updated.LogLevel)
		server.Reload(updated)
		b.Notify(events.Event{Type: events.TypeConfigUpdated})
	}); err != nil {
		logger.Warn("[%s] config watcher failed: %v", config.AppName, err)
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("[%s] sd_notify failed: %v", config.AppName, err)
	}
	logger.Info("[%s] started", config.AppName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("[%s] Shutdown signal received, stopping server...", config.AppName)
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Warn("[%s] sd_notify failed: %v", config.AppName, err)
	}

	// Cancel the global context - stops all listeners
	cancel()
	server.Close()
	b.Close()

	logger.Info("[%s] stopped", config.AppName)
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/csai/fleetdash/internal/api"
	"github.com/csai/fleetdash/internal/broker"
	"github.com/csai/fleetdash/internal/chatlog"
	"github.com/csai/fleetdash/internal/config"
	"github.com/csai/fleetdash/internal/discovery"
	"github.com/csai/fleetdash/internal/health"
	"github.com/csai/fleetdash/internal/metrics"
	"github.com/csai/fleetdash/internal/registry"
	"github.com/csai/fleetdash/internal/relay"
)

// App is the fully wired service graph shared by every command.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Registry
	Registry  *registry.Registry
	Broker    *broker.Broker
	Discovery *discovery.Engine
	Health    *health.Monitor
	Chat      *chatlog.Store
	Relay     *relay.Client

	ready   func(context.Context) error
	closers []func() error
}

// pinger is implemented by chat backends that talk to a remote server.
type pinger interface {
	Ping(ctx context.Context) error
}

func Build(cfg config.Config, logger *slog.Logger) (*App, error) {
	reg := metrics.New()
	instances, err := registry.New(registry.NewFileStore(cfg.Storage.RegistryFile), logger)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	reg.SetInstances(len(instances.List()))

	app := &App{Config: cfg, Logger: logger, Metrics: reg, Registry: instances}

	var backend chatlog.Backend
	switch strings.ToLower(cfg.Storage.ChatBackend) {
	case "redis":
		rb, err := chatlog.NewRedisBackend(cfg.Storage.RedisURL, cfg.Storage.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis chat backend: %w", err)
		}
		app.closers = append(app.closers, rb.Close)
		backend = rb
	default:
		backend = chatlog.NewFileBackend(cfg.Storage.ChatDir)
	}
	app.Chat = chatlog.NewStore(backend, logger, chatlog.WithMetrics(reg))

	app.Broker = broker.New(cfg.Runtime, logger, broker.WithMetrics(reg))
	app.closers = append(app.closers, app.Broker.Close)
	app.Discovery = discovery.New(app.Broker, instances, cfg.Discovery, reg, logger)
	app.Health = health.New(instances, health.NewHTTPProber(cfg.Health.Path),
		time.Duration(cfg.Health.TimeoutMillis)*time.Millisecond, cfg.Health.MaxInFlight, reg, logger)
	app.Relay = relay.New(time.Duration(cfg.Chat.TimeoutSeconds) * time.Second)

	if p, ok := backend.(pinger); ok {
		app.ready = p.Ping
	}
	return app, nil
}

// Ready reports whether the persistent dependencies are reachable. The
// container runtime is optional and never makes the service unready.
func (a *App) Ready(ctx context.Context) error {
	if a.ready == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.ready(ctx)
}

func (a *App) Server() *api.Server {
	return api.New(a.Config, api.Deps{
		Instances: a.Registry,
		Health:    a.Health,
		Discovery: a.Discovery,
		Runtime:   a.Broker,
		Chat:      a.Chat,
		Relay:     a.Relay,
		Ready:     a.Ready,
	}, a.Metrics, a.Logger)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

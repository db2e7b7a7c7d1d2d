package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/csai/fleetdash/internal/config"
	"github.com/csai/fleetdash/internal/metrics"
)

var (
	ErrRuntimeUnavailable = errors.New("runtime_unavailable")
	ErrContainerNotFound  = errors.New("container_not_found")
)

// Runtime is the part of *client.Client the service relies on.
type Runtime interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	Close() error
}

// Dialer builds an unverified runtime handle for one endpoint.
type Dialer func(ep config.Endpoint) (Runtime, error)

// DockerDialer opens a docker client for ep. An empty Host defers to the
// DOCKER_HOST/DOCKER_CERT_PATH/DOCKER_TLS_VERIFY environment.
func DockerDialer(ep config.Endpoint) (Runtime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if ep.Host == "" {
		opts = append([]client.Opt{client.FromEnv}, opts...)
	} else {
		opts = append(opts, client.WithHost(ep.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client %s: %w", ep.Name, err)
	}
	return cli, nil
}

type Option func(*Broker)

func WithDialer(d Dialer) Option { return func(b *Broker) { b.dial = d } }

// WithPlatform overrides runtime.GOOS when filtering endpoints.
func WithPlatform(goos string) Option { return func(b *Broker) { b.goos = goos } }

func WithMetrics(m *metrics.Registry) Option { return func(b *Broker) { b.metrics = m } }

// Broker resolves and caches one working runtime connection. Acquisition is
// serialized so concurrent callers never race to connect.
type Broker struct {
	endpoints   []config.Endpoint
	pingTimeout time.Duration
	dial        Dialer
	goos        string
	log         *slog.Logger
	metrics     *metrics.Registry

	mu         sync.Mutex
	active     Runtime
	activeName string
	// last logged outcome; repeated identical outcomes are not re-logged
	reported    string
	hasReported bool
}

func New(cfg config.RuntimeConfig, logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		endpoints:   cfg.Endpoints,
		pingTimeout: time.Duration(cfg.PingTimeoutMillis) * time.Millisecond,
		dial:        DockerDialer,
		goos:        goruntime.GOOS,
		log:         logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Candidates returns the endpoints applicable on this platform, in order.
func (b *Broker) Candidates() []config.Endpoint {
	out := make([]config.Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		if supports(ep, b.goos) {
			out = append(out, ep)
		}
	}
	return out
}

func supports(ep config.Endpoint, goos string) bool {
	if len(ep.Platforms) == 0 {
		return true
	}
	for _, p := range ep.Platforms {
		if p == goos {
			return true
		}
	}
	return false
}

func (b *Broker) Acquire(ctx context.Context) (Runtime, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != nil {
		return b.active, nil
	}
	return b.connectLocked(ctx)
}

// Reconnect drops any cached connection and runs the full strategy sequence.
func (b *Broker) Reconnect(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked()
	if _, err := b.connectLocked(ctx); err != nil {
		return "", err
	}
	return b.activeName, nil
}

func (b *Broker) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != nil {
		b.log.Warn("runtime_invalidated", slog.String("strategy", b.activeName))
	}
	b.dropLocked()
}

func (b *Broker) Active() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeName
}

func (b *Broker) Available(ctx context.Context) bool {
	_, err := b.Acquire(ctx)
	return err == nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked()
	return nil
}

func (b *Broker) ListContainers(ctx context.Context, all bool) ([]types.Container, error) {
	rt, err := b.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	list, err := rt.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, b.mapErr(err, "")
	}
	return list, nil
}

func (b *Broker) StartContainer(ctx context.Context, id string) error {
	rt, err := b.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := rt.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return b.mapErr(err, id)
	}
	b.log.Info("container_started", slog.String("container_id", id))
	return nil
}

func (b *Broker) StopContainer(ctx context.Context, id string) error {
	rt, err := b.Acquire(ctx)
	if err != nil {
		return err
	}
	timeout := 10
	if err := rt.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return b.mapErr(err, id)
	}
	b.log.Info("container_stopped", slog.String("container_id", id))
	return nil
}

func (b *Broker) InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	rt, err := b.Acquire(ctx)
	if err != nil {
		return types.ContainerJSON{}, err
	}
	info, err := rt.ContainerInspect(ctx, id)
	if err != nil {
		return types.ContainerJSON{}, b.mapErr(err, id)
	}
	return info, nil
}

func (b *Broker) mapErr(err error, id string) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	case client.IsErrConnectionFailed(err):
		b.Invalidate()
		return fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}
	return err
}

func (b *Broker) connectLocked(ctx context.Context) (Runtime, error) {
	var lastErr error
	for _, ep := range b.Candidates() {
		rt, err := b.try(ctx, ep)
		if err != nil {
			b.log.Debug("runtime_strategy_failed", slog.String("strategy", ep.Name), slog.String("error", err.Error()))
			lastErr = err
			continue
		}
		b.active = rt
		b.activeName = ep.Name
		b.report(ep.Name)
		return rt, nil
	}
	b.report("")
	if lastErr == nil {
		lastErr = errors.New("no runtime endpoint applies to this platform")
	}
	return nil, fmt.Errorf("%w: %w", ErrRuntimeUnavailable, lastErr)
}

func (b *Broker) try(ctx context.Context, ep config.Endpoint) (Runtime, error) {
	rt, err := b.dial(ep)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, b.pingTimeout)
	defer cancel()
	if _, err := rt.Ping(pingCtx); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("ping %s: %w", ep.Name, err)
	}
	return rt, nil
}

func (b *Broker) dropLocked() {
	if b.active != nil {
		_ = b.active.Close()
	}
	b.active = nil
	b.activeName = ""
	if b.metrics != nil {
		b.metrics.SetRuntimeConnected(false)
	}
}

func (b *Broker) report(name string) {
	if b.metrics != nil {
		b.metrics.SetRuntimeConnected(name != "")
	}
	if b.hasReported && name == b.reported {
		return
	}
	b.reported = name
	b.hasReported = true
	if name == "" {
		b.log.Warn("runtime_unavailable")
		return
	}
	b.log.Info("runtime_connected", slog.String("strategy", name))
}

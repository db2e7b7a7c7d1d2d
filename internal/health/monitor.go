package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/csai/fleetdash/internal/metrics"
	"github.com/csai/fleetdash/internal/registry"
)

// Prober performs one reachability probe. A non-nil error carries the
// reason for an offline or error status; it is not a failure of the check.
type Prober interface {
	Probe(ctx context.Context, inst registry.Instance) (registry.Status, error)
}

// Instances is satisfied by *registry.Registry.
type Instances interface {
	Get(id string) (registry.Instance, error)
	List() []registry.Instance
	Update(id string, patch registry.Patch) (registry.Instance, error)
}

type Result struct {
	InstanceID string          `json:"instance_id"`
	Status     registry.Status `json:"status"`
	LatencyMs  int64           `json:"latency_ms"`
	Error      string          `json:"error,omitempty"`
	CheckedAt  time.Time       `json:"checked_at"`
}

type Monitor struct {
	instances   Instances
	prober      Prober
	timeout     time.Duration
	maxInFlight int
	now         func() time.Time
	log         *slog.Logger
	metrics     *metrics.Registry

	flights singleflight.Group
	// bounds running probes, including ones whose callers stopped waiting
	slots *semaphore.Weighted
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func New(instances Instances, prober Prober, timeout time.Duration, maxInFlight int, m *metrics.Registry, logger *slog.Logger, opts ...Option) *Monitor {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	mon := &Monitor{
		instances:   instances,
		prober:      prober,
		timeout:     timeout,
		maxInFlight: maxInFlight,
		now:         time.Now,
		log:         logger,
		metrics:     m,
		slots:       semaphore.NewWeighted(int64(maxInFlight)),
	}
	for _, opt := range opts {
		opt(mon)
	}
	return mon
}

// Check probes one instance. Concurrent calls for the same id share a single
// probe. The probe runs under its own timeout, so a caller that gives up
// early still leaves the outcome recorded in the registry.
func (m *Monitor) Check(ctx context.Context, id string) (Result, error) {
	inst, err := m.instances.Get(id)
	if err != nil {
		return Result{}, err
	}
	ch := m.flights.DoChan(id, func() (any, error) {
		_ = m.slots.Acquire(context.Background(), 1)
		defer m.slots.Release(1)
		return m.probe(inst), nil
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		return res.Val.(Result), nil
	}
}

// CheckAll probes every registered instance with at most maxInFlight probes
// outstanding. Instances deleted mid-run are left out of the result.
func (m *Monitor) CheckAll(ctx context.Context) map[string]Result {
	list := m.instances.List()
	if m.metrics != nil {
		m.metrics.SetInstances(len(list))
	}
	out := make(map[string]Result, len(list))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.maxInFlight)
	for _, inst := range list {
		id := inst.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := m.Check(ctx, id)
			if err != nil {
				return nil
			}
			mu.Lock()
			out[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	m.log.Info("health_sweep_completed", slog.Int("instances", len(list)), slog.Int("checked", len(out)))
	return out
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.CheckAll(ctx)
		}
	}
}

func (m *Monitor) probe(inst registry.Instance) Result {
	pctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	start := time.Now()
	status, perr := m.prober.Probe(pctx, inst)
	res := Result{
		InstanceID: inst.ID,
		Status:     status,
		LatencyMs:  time.Since(start).Milliseconds(),
		CheckedAt:  m.now().UTC(),
	}
	if perr != nil {
		res.Error = perr.Error()
	}
	if !res.Status.Valid() || res.Status == registry.StatusUnknown {
		res.Status = registry.StatusError
	}
	if m.metrics != nil {
		m.metrics.ObserveProbe(string(res.Status))
	}

	patch := registry.Patch{Status: &res.Status}
	if res.Status == registry.StatusOnline {
		seen := res.CheckedAt
		patch.LastSeen = &seen
	}
	if _, err := m.instances.Update(inst.ID, patch); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			m.log.Debug("probe_result_dropped", slog.String("instance_id", inst.ID))
		} else {
			m.log.Error("probe_record_failed", slog.String("instance_id", inst.ID), slog.String("error", err.Error()))
		}
	}
	if res.Status != registry.StatusOnline {
		m.log.Info("probe_failed", slog.String("instance_id", inst.ID), slog.String("status", string(res.Status)), slog.String("error", res.Error))
	}
	return res
}

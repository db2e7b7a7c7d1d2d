package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/csai/fleetdash/internal/config"
	"github.com/csai/fleetdash/internal/metrics"
	"github.com/csai/fleetdash/internal/registry"
)

const shortIDLen = 12

// Lister is satisfied by *broker.Broker.
type Lister interface {
	ListContainers(ctx context.Context, all bool) ([]types.Container, error)
}

// Merger is satisfied by *registry.Registry.
type Merger interface {
	UpsertDiscovered(found []registry.Instance) (registry.MergeResult, error)
}

type Warning struct {
	ContainerID string `json:"container_id,omitempty"`
	Message     string `json:"message"`
}

type Report struct {
	New       []registry.Instance `json:"new"`
	Refreshed int                 `json:"refreshed"`
	Warnings  []Warning           `json:"warnings"`
	ScannedAt time.Time           `json:"scanned_at"`
}

type Engine struct {
	lister  Lister
	merger  Merger
	cfg     config.DiscoveryConfig
	ports   map[uint16]struct{}
	log     *slog.Logger
	metrics *metrics.Registry
}

func New(lister Lister, merger Merger, cfg config.DiscoveryConfig, m *metrics.Registry, logger *slog.Logger) *Engine {
	ports := make(map[uint16]struct{}, len(cfg.TypicalPorts))
	for _, p := range cfg.TypicalPorts {
		ports[uint16(p)] = struct{}{}
	}
	patterns := make([]string, 0, len(cfg.NamePatterns))
	for _, p := range cfg.NamePatterns {
		patterns = append(patterns, strings.ToLower(p))
	}
	cfg.NamePatterns = patterns
	cfg.MatchMode = strings.ToLower(cfg.MatchMode)
	return &Engine{lister: lister, merger: merger, cfg: cfg, ports: ports, log: logger, metrics: m}
}

// Discover scans running containers once and merges the candidates. Runtime
// and per-container problems are reported as warnings; the returned error is
// reserved for registry persistence failures.
func (e *Engine) Discover(ctx context.Context) (Report, error) {
	rep := Report{ScannedAt: time.Now().UTC(), New: []registry.Instance{}, Warnings: []Warning{}}

	containers, err := e.lister.ListContainers(ctx, false)
	if err != nil {
		e.warn(&rep, "", fmt.Sprintf("container runtime unavailable: %v", err))
		e.finish(rep)
		return rep, nil
	}

	found := make([]registry.Instance, 0, len(containers))
	for _, c := range containers {
		if !e.Classify(c) {
			continue
		}
		inst, ok := e.toInstance(c)
		if !ok {
			e.warn(&rep, shortID(c.ID), fmt.Sprintf("container %s has no published port", firstName(c.Names)))
			continue
		}
		found = append(found, inst)
	}

	res, err := e.merger.UpsertDiscovered(found)
	for _, rej := range res.Rejected {
		e.warn(&rep, rej.ID, rej.Reason)
	}
	if err != nil {
		e.log.Error("discovery_merge_failed", slog.String("error", err.Error()))
		return rep, err
	}
	rep.New = append(rep.New, res.Inserted...)
	rep.Refreshed = len(res.Refreshed)
	e.finish(rep)
	return rep, nil
}

// Classify reports whether c looks like a chat-capable instance.
func (e *Engine) Classify(c types.Container) bool {
	portHit := false
	for _, p := range c.Ports {
		if _, ok := e.ports[p.PrivatePort]; ok {
			portHit = true
			break
		}
	}
	nameHit := e.matchesPattern(strings.ToLower(firstName(c.Names) + " " + c.Image))
	if e.cfg.MatchMode == "all" {
		return portHit && nameHit
	}
	return portHit || nameHit
}

func (e *Engine) matchesPattern(haystack string) bool {
	for _, p := range e.cfg.NamePatterns {
		if p != "" && strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}

func (e *Engine) toInstance(c types.Container) (registry.Instance, bool) {
	port, ok := e.publicPort(c.Ports)
	if !ok {
		return registry.Instance{}, false
	}
	name := firstName(c.Names)
	if name == "" {
		name = shortID(c.ID)
	}
	return registry.Instance{
		ID:          registry.DiscoveredPrefix + shortID(c.ID),
		Name:        name + " (Docker)",
		Host:        e.cfg.Host,
		Port:        int(port),
		ContainerID: c.ID,
		Metadata: map[string]string{
			"container_name":  name,
			"image":           c.Image,
			"container_state": c.State,
			"created":         time.Unix(c.Created, 0).UTC().Format(time.RFC3339),
			"ports":           formatPorts(c.Ports),
		},
	}, true
}

// publicPort prefers a binding whose private port is in the allow-list and
// falls back to the first published binding.
func (e *Engine) publicPort(ports []types.Port) (uint16, bool) {
	var fallback uint16
	for _, p := range ports {
		if p.PublicPort == 0 {
			continue
		}
		if _, ok := e.ports[p.PrivatePort]; ok {
			return p.PublicPort, true
		}
		if fallback == 0 {
			fallback = p.PublicPort
		}
	}
	return fallback, fallback != 0
}

func (e *Engine) warn(rep *Report, id, msg string) {
	rep.Warnings = append(rep.Warnings, Warning{ContainerID: id, Message: msg})
	if e.metrics != nil {
		e.metrics.IncDiscoveryWarning()
	}
	e.log.Warn("discovery_warning", slog.String("container_id", id), slog.String("message", msg))
}

func (e *Engine) finish(rep Report) {
	if e.metrics != nil {
		e.metrics.ObserveDiscovery(len(rep.New))
	}
	e.log.Info("discovery_completed",
		slog.Int("new", len(rep.New)),
		slog.Int("refreshed", rep.Refreshed),
		slog.Int("warnings", len(rep.Warnings)),
	)
}

// Run scans every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := e.Discover(ctx); err != nil {
				e.log.Warn("discovery_loop_failed", slog.String("error", err.Error()))
			}
		}
	}
}

func formatPorts(ports []types.Port) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		s := strconv.Itoa(int(p.PrivatePort)) + "/" + p.Type
		if p.PublicPort != 0 {
			s = strconv.Itoa(int(p.PublicPort)) + "->" + s
		}
		parts = append(parts, s)
	}
	// the daemon does not guarantee binding order
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

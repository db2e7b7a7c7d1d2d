package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	reqTotal          atomic.Uint64
	reqErrors         atomic.Uint64
	rateLimited       atomic.Uint64
	instances         atomic.Int64
	discoveryRuns     atomic.Uint64
	discoveryInserted atomic.Uint64
	discoveryWarnings atomic.Uint64
	chatAppends       atomic.Uint64
	relayFailures     atomic.Uint64
	runtimeConnected  atomic.Int64

	mu             sync.RWMutex
	pathCount      map[string]uint64
	probeCount     map[string]uint64
	latencyBuckets map[float64]uint64
	latencyInf     uint64
}

func New() *Registry {
	return &Registry{
		pathCount:      map[string]uint64{},
		probeCount:     map[string]uint64{},
		latencyBuckets: map[float64]uint64{0.005: 0, 0.01: 0, 0.025: 0, 0.05: 0, 0.1: 0, 0.25: 0, 0.5: 0, 1: 0, 2.5: 0, 5: 0, 10: 0},
	}
}

func (r *Registry) IncRequest(path string) {
	r.reqTotal.Add(1)
	r.mu.Lock()
	r.pathCount[path]++
	r.mu.Unlock()
}
func (r *Registry) IncError()            { r.reqErrors.Add(1) }
func (r *Registry) IncRateLimited()      { r.rateLimited.Add(1) }
func (r *Registry) SetInstances(v int)   { r.instances.Store(int64(v)) }
func (r *Registry) IncChatAppend()       { r.chatAppends.Add(1) }
func (r *Registry) IncRelayFailure()     { r.relayFailures.Add(1) }
func (r *Registry) IncDiscoveryWarning() { r.discoveryWarnings.Add(1) }

func (r *Registry) SetRuntimeConnected(v bool) {
	if v {
		r.runtimeConnected.Store(1)
		return
	}
	r.runtimeConnected.Store(0)
}

func (r *Registry) ObserveDiscovery(inserted int) {
	r.discoveryRuns.Add(1)
	r.discoveryInserted.Add(uint64(inserted))
}

func (r *Registry) ObserveProbe(status string) {
	r.mu.Lock()
	r.probeCount[status]++
	r.mu.Unlock()
}

func (r *Registry) ObserveRequestDuration(d time.Duration) {
	secs := d.Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := false
	for b := range r.latencyBuckets {
		if secs <= b {
			r.latencyBuckets[b]++
			matched = true
		}
	}
	if !matched {
		r.latencyInf++
	}
}

func (r *Registry) RenderPrometheus() string {
	var b strings.Builder
	counter(&b, "fleetdash_requests_total", "Total API requests", r.reqTotal.Load())
	counter(&b, "fleetdash_request_errors_total", "Total API request errors", r.reqErrors.Load())
	counter(&b, "fleetdash_rate_limited_total", "Total rate-limited requests", r.rateLimited.Load())
	fmt.Fprintln(&b, "# HELP fleetdash_instances Registered instances")
	fmt.Fprintln(&b, "# TYPE fleetdash_instances gauge")
	fmt.Fprintf(&b, "fleetdash_instances %d\n", r.instances.Load())
	fmt.Fprintln(&b, "# HELP fleetdash_runtime_connected Whether a container runtime connection is cached")
	fmt.Fprintln(&b, "# TYPE fleetdash_runtime_connected gauge")
	fmt.Fprintf(&b, "fleetdash_runtime_connected %d\n", r.runtimeConnected.Load())
	counter(&b, "fleetdash_discovery_runs_total", "Completed discovery scans", r.discoveryRuns.Load())
	counter(&b, "fleetdash_discovery_inserted_total", "Instances inserted by discovery", r.discoveryInserted.Load())
	counter(&b, "fleetdash_discovery_warnings_total", "Discovery warnings", r.discoveryWarnings.Load())
	counter(&b, "fleetdash_chat_appends_total", "Chat messages appended", r.chatAppends.Load())
	counter(&b, "fleetdash_relay_failures_total", "Failed chat relays", r.relayFailures.Load())

	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(&b, "# HELP fleetdash_probes_total Health probes by resulting status")
	fmt.Fprintln(&b, "# TYPE fleetdash_probes_total counter")
	for _, k := range sortedKeys(r.probeCount) {
		fmt.Fprintf(&b, "fleetdash_probes_total{status=%q} %d\n", k, r.probeCount[k])
	}

	fmt.Fprintln(&b, "# HELP fleetdash_requests_by_path_total Requests by path")
	fmt.Fprintln(&b, "# TYPE fleetdash_requests_by_path_total counter")
	for _, k := range sortedKeys(r.pathCount) {
		fmt.Fprintf(&b, "fleetdash_requests_by_path_total{path=%q} %d\n", k, r.pathCount[k])
	}

	latencyBounds := make([]float64, 0, len(r.latencyBuckets))
	for bound := range r.latencyBuckets {
		latencyBounds = append(latencyBounds, bound)
	}
	sort.Float64s(latencyBounds)
	fmt.Fprintln(&b, "# HELP fleetdash_request_duration_seconds Request duration histogram")
	fmt.Fprintln(&b, "# TYPE fleetdash_request_duration_seconds histogram")
	// buckets are already cumulative: ObserveRequestDuration increments every bound >= d
	total := r.latencyInf
	for _, bound := range latencyBounds {
		fmt.Fprintf(&b, "fleetdash_request_duration_seconds_bucket{le=%q} %d\n", trimFloat(bound), r.latencyBuckets[bound])
	}
	if n := len(latencyBounds); n > 0 {
		total += r.latencyBuckets[latencyBounds[n-1]]
	}
	fmt.Fprintf(&b, "fleetdash_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", total)
	fmt.Fprintf(&b, "fleetdash_request_duration_seconds_count %d\n", total)
	return b.String()
}

func counter(b *strings.Builder, name, help string, v uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, v)
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}

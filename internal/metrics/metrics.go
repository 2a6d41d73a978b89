package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry collects live counters and gauges for the supervisor: port pool
// usage, instance lifecycle outcomes, stream reconnects, and event bus
// delivery. Values are measured, never config-derived.
type Registry struct {
	instancesSpawned   atomic.Int64
	instancesStopped   atomic.Int64
	instancesCrashed   atomic.Int64
	instancesRestarted atomic.Int64
	idleReclaimed      atomic.Int64
	streamReconnects   atomic.Int64
	framesDropped      atomic.Int64

	mu            sync.Mutex
	portsLeased   int
	portsCapacity int
	instanceCount int

	buses sync.Map
}

type busStats struct {
	published   atomic.Int64
	dropped     atomic.Int64
	subscribers atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncInstanceSpawned() {
	if r == nil {
		return
	}
	r.instancesSpawned.Add(1)
}

func (r *Registry) IncInstanceStopped() {
	if r == nil {
		return
	}
	r.instancesStopped.Add(1)
}

func (r *Registry) IncInstanceCrashed() {
	if r == nil {
		return
	}
	r.instancesCrashed.Add(1)
}

func (r *Registry) IncInstanceRestarted() {
	if r == nil {
		return
	}
	r.instancesRestarted.Add(1)
}

func (r *Registry) IncIdleReclaimed() {
	if r == nil {
		return
	}
	r.idleReclaimed.Add(1)
}

func (r *Registry) IncStreamReconnect() {
	if r == nil {
		return
	}
	r.streamReconnects.Add(1)
}

func (r *Registry) IncFrameDropped() {
	if r == nil {
		return
	}
	r.framesDropped.Add(1)
}

// SetPoolUsage records the current leased count and capacity of the port pool.
func (r *Registry) SetPoolUsage(leased, capacity int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.portsLeased = leased
	r.portsCapacity = capacity
	r.mu.Unlock()
}

func (r *Registry) SetInstanceCount(count int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.instanceCount = count
	r.mu.Unlock()
}

// PoolUsage returns the last recorded pool measurements.
func (r *Registry) PoolUsage() (leased, capacity int) {
	if r == nil {
		return 0, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.portsLeased, r.portsCapacity
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.stats(bus).published.Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.stats(bus).dropped.Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	r.stats(bus).subscribers.Store(int64(filtered + unfiltered))
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "harbor_instances_spawned_total", "Total worker instances spawned", r.instancesSpawned.Load())
	writeCounter(writer, "harbor_instances_stopped_total", "Total worker instances stopped", r.instancesStopped.Load())
	writeCounter(writer, "harbor_instances_crashed_total", "Total worker instance crashes detected", r.instancesCrashed.Load())
	writeCounter(writer, "harbor_instances_restarted_total", "Total automatic restarts", r.instancesRestarted.Load())
	writeCounter(writer, "harbor_instances_idle_reclaimed_total", "Total idle reclamations", r.idleReclaimed.Load())
	writeCounter(writer, "harbor_stream_reconnects_total", "Total event stream reconnects", r.streamReconnects.Load())
	writeCounter(writer, "harbor_stream_frames_dropped_total", "Total malformed wire frames dropped", r.framesDropped.Load())

	r.mu.Lock()
	leased := r.portsLeased
	capacity := r.portsCapacity
	instances := r.instanceCount
	r.mu.Unlock()

	writeGauge(writer, "harbor_ports_leased", "Currently leased ports", int64(leased))
	writeGauge(writer, "harbor_ports_capacity", "Configured port pool capacity", int64(capacity))
	writeGauge(writer, "harbor_instances_registered", "Currently registered instances", int64(instances))

	names := r.busNames()
	sort.Strings(names)
	writeHelp(writer, "harbor_events_published_total", "Events published per bus")
	fmt.Fprintln(writer, "# TYPE harbor_events_published_total counter")
	writeHelp(writer, "harbor_events_dropped_total", "Events dropped per bus")
	fmt.Fprintln(writer, "# TYPE harbor_events_dropped_total counter")
	for _, name := range names {
		stats := r.stats(name)
		label := formatLabel(name)
		fmt.Fprintf(writer, "harbor_events_published_total{bus=%s} %d\n", label, stats.published.Load())
		fmt.Fprintf(writer, "harbor_events_dropped_total{bus=%s} %d\n", label, stats.dropped.Load())
	}

	return nil
}

func (r *Registry) stats(bus string) *busStats {
	if strings.TrimSpace(bus) == "" {
		bus = "unknown"
	}
	value, _ := r.buses.LoadOrStore(bus, &busStats{})
	return value.(*busStats)
}

func (r *Registry) busNames() []string {
	if r == nil {
		return nil
	}
	var names []string
	r.buses.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}

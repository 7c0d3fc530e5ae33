package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry collects counters across the router, mirror, and event buses.
type Registry struct {
	recordsRouted     atomic.Int64
	listenerCalls     atomic.Int64
	fanOutDuplicates  atomic.Int64
	watchersActive    atomic.Int64
	mirrorEvents      atomic.Int64
	mirrorDropped     atomic.Int64
	mirrorErrors      atomic.Int64
	mirrorWatches     atomic.Int64
	busCounters       sync.Map
	routedByEvent     sync.Map
}

type busStats struct {
	published atomic.Int64
	dropped   atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncRecordRouted(event string) {
	if r == nil {
		return
	}
	r.recordsRouted.Add(1)
	counter := r.eventCounter(event)
	counter.Add(1)
}

func (r *Registry) AddListenerCalls(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.listenerCalls.Add(int64(count))
}

func (r *Registry) AddFanOutDuplicates(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.fanOutDuplicates.Add(int64(count))
}

func (r *Registry) SetWatchersActive(count int) {
	if r == nil {
		return
	}
	r.watchersActive.Store(int64(count))
}

func (r *Registry) IncMirrorEvent() {
	if r == nil {
		return
	}
	r.mirrorEvents.Add(1)
}

func (r *Registry) IncMirrorDropped() {
	if r == nil {
		return
	}
	r.mirrorDropped.Add(1)
}

func (r *Registry) IncMirrorError() {
	if r == nil {
		return
	}
	r.mirrorErrors.Add(1)
}

func (r *Registry) SetMirrorWatches(count int) {
	if r == nil {
		return
	}
	r.mirrorWatches.Store(int64(count))
}

func (r *Registry) IncBusPublished(bus string) {
	if r == nil {
		return
	}
	r.busStats(bus).published.Add(1)
}

func (r *Registry) IncBusDropped(bus string) {
	if r == nil {
		return
	}
	r.busStats(bus).dropped.Add(1)
}

// Snapshot is a point-in-time copy of the top-level counters.
type Snapshot struct {
	RecordsRouted    int64 `json:"records_routed"`
	ListenerCalls    int64 `json:"listener_calls"`
	FanOutDuplicates int64 `json:"fan_out_duplicates"`
	WatchersActive   int64 `json:"watchers_active"`
	MirrorEvents     int64 `json:"mirror_events"`
	MirrorDropped    int64 `json:"mirror_dropped"`
	MirrorErrors     int64 `json:"mirror_errors"`
	MirrorWatches    int64 `json:"mirror_watches"`
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		RecordsRouted:    r.recordsRouted.Load(),
		ListenerCalls:    r.listenerCalls.Load(),
		FanOutDuplicates: r.fanOutDuplicates.Load(),
		WatchersActive:   r.watchersActive.Load(),
		MirrorEvents:     r.mirrorEvents.Load(),
		MirrorDropped:    r.mirrorDropped.Load(),
		MirrorErrors:     r.mirrorErrors.Load(),
		MirrorWatches:    r.mirrorWatches.Load(),
	}
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil || writer == nil {
		return nil
	}

	writeCounter(writer, "treewatch_records_routed_total", "Total raw records routed", r.recordsRouted.Load())
	writeCounter(writer, "treewatch_listener_calls_total", "Total listener invocations", r.listenerCalls.Load())
	writeCounter(writer, "treewatch_fan_out_duplicates_total", "Listener invocations beyond the first per record", r.fanOutDuplicates.Load())
	writeGauge(writer, "treewatch_watchers_active", "Watcher descriptors currently started", r.watchersActive.Load())
	writeCounter(writer, "treewatch_mirror_events_total", "Filesystem events applied to the tree", r.mirrorEvents.Load())
	writeCounter(writer, "treewatch_mirror_dropped_total", "Filesystem events coalesced away", r.mirrorDropped.Load())
	writeCounter(writer, "treewatch_mirror_errors_total", "Filesystem watcher errors", r.mirrorErrors.Load())
	writeGauge(writer, "treewatch_mirror_watches", "Directory watches currently held", r.mirrorWatches.Load())

	events := r.eventNames()
	sort.Strings(events)
	if len(events) > 0 {
		writeHelp(writer, "treewatch_routed_by_event_total", "Routed records by semantic event")
		fmt.Fprintln(writer, "# TYPE treewatch_routed_by_event_total counter")
		for _, event := range events {
			counter := r.eventCounter(event)
			fmt.Fprintf(writer, "treewatch_routed_by_event_total{event=%q} %d\n", event, counter.Load())
		}
	}

	buses := r.busNames()
	sort.Strings(buses)
	if len(buses) > 0 {
		writeHelp(writer, "treewatch_bus_published_total", "Events published per bus")
		fmt.Fprintln(writer, "# TYPE treewatch_bus_published_total counter")
		for _, bus := range buses {
			stats := r.busStats(bus)
			fmt.Fprintf(writer, "treewatch_bus_published_total{bus=%q} %d\n", bus, stats.published.Load())
		}
		writeHelp(writer, "treewatch_bus_dropped_total", "Events dropped per bus")
		fmt.Fprintln(writer, "# TYPE treewatch_bus_dropped_total counter")
		for _, bus := range buses {
			stats := r.busStats(bus)
			fmt.Fprintf(writer, "treewatch_bus_dropped_total{bus=%q} %d\n", bus, stats.dropped.Load())
		}
	}

	return nil
}

func (r *Registry) eventCounter(event string) *atomic.Int64 {
	if event == "" {
		event = "unknown"
	}
	value, _ := r.routedByEvent.LoadOrStore(event, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func (r *Registry) eventNames() []string {
	names := []string{}
	r.routedByEvent.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}

func (r *Registry) busStats(bus string) *busStats {
	if bus == "" {
		bus = "unknown"
	}
	value, _ := r.busCounters.LoadOrStore(bus, &busStats{})
	return value.(*busStats)
}

func (r *Registry) busNames() []string {
	names := []string{}
	r.busCounters.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}

func writeCounter(writer io.Writer, name, help string, value int64) {
	writeHelp(writer, name, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", name)
	fmt.Fprintf(writer, "%s %d\n", name, value)
}

func writeGauge(writer io.Writer, name, help string, value int64) {
	writeHelp(writer, name, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", name)
	fmt.Fprintf(writer, "%s %d\n", name, value)
}

func writeHelp(writer io.Writer, name, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", name, help)
}

package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time view of learner progress. The int64 counter
// fields are lifetime totals; the collector turns them into prometheus
// counter increments by diffing against the previous snapshot.
type Snapshot struct {
	TrainStep     int64
	EnvSteps      int64
	PolicyVersion int64

	RolloutsReceived  int64
	RolloutsDiscarded int64
	BatchesAssembled  int64
	BatchesTrained    int64
	Minibatches       int64
	EarlyStops        int64
	Summaries         int64
	DroppedReports    int64
	PauseTransitions  int64
	InboxRejected     int64
	PoolHits          int64
	PoolMisses        int64
	WaitNanos         int64
	TrainNanos        int64

	PendingRollouts int
	QueuedBatches   int
	InboxDepth      int
	FreeSlots       int64
	Paused          bool
}

// Source supplies snapshots for the collector to export.
type Source interface {
	MetricsSnapshot() Snapshot
}

// Collector scrapes a learner snapshot into the exported metrics.
type Collector struct {
	src       Source
	startTime time.Time

	mu   sync.Mutex
	last Snapshot
}

// NewCollector creates a collector over src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src:       src,
		startTime: time.Now(),
	}
}

// Collect feeds the current snapshot into the exported metrics. Calls are
// serialized so counter deltas stay consistent when a scrape races the
// background refresh.
func (c *Collector) Collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.src.MetricsSnapshot()
	c.collectCounters(snap)
	c.collectGauges(snap)
	c.collectMemory()
	c.collectUptime()
	c.last = snap
}

func (c *Collector) collectCounters(snap Snapshot) {
	addDelta(RolloutsReceived, snap.RolloutsReceived, c.last.RolloutsReceived)
	addDelta(RolloutsDiscarded, snap.RolloutsDiscarded, c.last.RolloutsDiscarded)
	addDelta(BatchesAssembled, snap.BatchesAssembled, c.last.BatchesAssembled)
	addDelta(BatchesTrained, snap.BatchesTrained, c.last.BatchesTrained)
	addDelta(MinibatchesTrained, snap.Minibatches, c.last.Minibatches)
	addDelta(EarlyStops, snap.EarlyStops, c.last.EarlyStops)
	addDelta(Summaries, snap.Summaries, c.last.Summaries)
	addDelta(DroppedReports, snap.DroppedReports, c.last.DroppedReports)
	addDelta(PauseTransitions, snap.PauseTransitions, c.last.PauseTransitions)
	addDelta(InboxRejected, snap.InboxRejected, c.last.InboxRejected)
	addDelta(PoolHits, snap.PoolHits, c.last.PoolHits)
	addDelta(PoolMisses, snap.PoolMisses, c.last.PoolMisses)
	addSeconds(TrainTime, snap.TrainNanos, c.last.TrainNanos)
	addSeconds(WaitTime, snap.WaitNanos, c.last.WaitNanos)
}

func (c *Collector) collectGauges(snap Snapshot) {
	TrainStep.Set(float64(snap.TrainStep))
	EnvSteps.Set(float64(snap.EnvSteps))
	PolicyVersion.Set(float64(snap.PolicyVersion))
	PendingRollouts.Set(float64(snap.PendingRollouts))
	QueuedBatches.Set(float64(snap.QueuedBatches))
	InboxDepth.Set(float64(snap.InboxDepth))
	FreeSlots.Set(float64(snap.FreeSlots))
	if snap.Paused {
		CollectionPaused.Set(1)
	} else {
		CollectionPaused.Set(0)
	}
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryUsage.WithLabelValues("heap_sys").Set(float64(m.HeapSys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

// addDelta advances a counter by the growth since the last snapshot. A
// regressed total, as after a source restart, adds nothing.
func addDelta(ctr prometheus.Counter, cur, last int64) {
	if d := cur - last; d > 0 {
		ctr.Add(float64(d))
	}
}

func addSeconds(ctr prometheus.Counter, curNanos, lastNanos int64) {
	if d := curNanos - lastNanos; d > 0 {
		ctr.Add(time.Duration(d).Seconds())
	}
}

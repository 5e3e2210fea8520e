package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "learner"
)

var (
	// RolloutsReceived counts rollouts accepted from the control inbox
	RolloutsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollouts_received_total",
			Help:      "Total number of rollouts accepted from the control inbox",
		},
	)

	// RolloutsDiscarded counts rollouts dropped by the staleness filter
	RolloutsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollouts_discarded_total",
			Help:      "Total number of rollouts dropped for exceeding the policy lag bound",
		},
	)

	// BatchesAssembled counts macro-batches gathered from the slab
	BatchesAssembled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_assembled_total",
			Help:      "Total number of macro-batches assembled from the rollout slab",
		},
	)

	// BatchesTrained counts macro-batches consumed by the optimizer
	BatchesTrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_trained_total",
			Help:      "Total number of macro-batches trained",
		},
	)

	// MinibatchesTrained counts optimizer steps
	MinibatchesTrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "minibatches_trained_total",
			Help:      "Total number of minibatch optimizer steps",
		},
	)

	// EarlyStops counts epoch loops cut short by a loss plateau
	EarlyStops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "early_stops_total",
			Help:      "Total number of epoch loops cut short by a loss plateau",
		},
	)

	// Summaries counts training summaries emitted
	Summaries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Total number of training summaries emitted",
		},
	)

	// DroppedReports counts summaries shed by the reporting queue
	DroppedReports = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_reports_total",
			Help:      "Total number of summaries shed by a saturated report queue",
		},
	)

	// PauseTransitions counts collection pause and resume flips
	PauseTransitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pause_transitions_total",
			Help:      "Total number of collection pause state changes",
		},
	)

	// InboxRejected counts control messages refused by a full inbox
	InboxRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_rejected_total",
			Help:      "Total number of control messages rejected by a full inbox",
		},
	)

	// PoolHits counts minibatch buffers served from the reuse pool
	PoolHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_pool_hits_total",
			Help:      "Total number of macro-batch buffers reused from the pool",
		},
	)

	// PoolMisses counts minibatch buffers allocated fresh
	PoolMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_pool_misses_total",
			Help:      "Total number of macro-batch buffers allocated fresh",
		},
	)

	// TrainTime accumulates time spent inside optimizer steps
	TrainTime = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_seconds_total",
			Help:      "Cumulative seconds spent training minibatches",
		},
	)

	// WaitTime accumulates time spent blocked on batch arrival
	WaitTime = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_seconds_total",
			Help:      "Cumulative seconds the scheduler waited for a macro-batch",
		},
	)

	// TrainStep tracks the optimizer step counter
	TrainStep = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_step",
			Help:      "Optimizer step counter",
		},
	)

	// EnvSteps tracks environment steps consumed by training
	EnvSteps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "env_steps",
			Help:      "Environment steps consumed by training",
		},
	)

	// PolicyVersion tracks the published weights version
	PolicyVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policy_version",
			Help:      "Published policy weights version",
		},
	)

	// PendingRollouts tracks rollouts submitted but not yet assembled
	PendingRollouts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_rollouts",
			Help:      "Rollouts submitted but not yet assembled into a batch",
		},
	)

	// QueuedBatches tracks macro-batches waiting for the scheduler
	QueuedBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_batches",
			Help:      "Macro-batches queued for training",
		},
	)

	// InboxDepth tracks messages waiting in the control inbox
	InboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_depth",
			Help:      "Messages waiting in the control inbox",
		},
	)

	// FreeSlots tracks unclaimed slots in the rollout slab
	FreeSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slab_free_slots",
			Help:      "Unclaimed slots in the rollout slab",
		},
	)

	// CollectionPaused is 1 while experience collection is paused
	CollectionPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collection_paused",
			Help:      "1 while experience collection is paused, 0 otherwise",
		},
	)

	// MemoryUsage tracks memory usage
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Learner build info",
		},
		[]string{"version", "go_version", "os", "arch"},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Learner uptime in seconds",
		},
	)
)

// InitInfo initializes the info metric
func InitInfo(version, goVersion, os, arch string) {
	Info.WithLabelValues(version, goVersion, os, arch).Set(1)
}

package sched

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emer/etable/v2/etensor"

	"github.com/jingweiz/sample-factory/internal/batch"
	"github.com/jingweiz/sample-factory/internal/model"
)

// Hard importance-ratio bounds, applied before the surrogate clip. Extreme
// ratios from heavily off-policy samples destabilize both loss terms.
const (
	ratioClampMin = 0.05
	ratioClampMax = 20.0
)

// Reporter consumes one flat map of scalar statistics per summary. A full
// sink returns ErrReportBackpressure; the scheduler drops the summary and
// logs a warning instead of blocking the training loop.
type Reporter interface {
	Report(step int64, stats map[string]float64) error
}

// Saver is offered every optimizer step and decides internally whether a
// checkpoint is due.
type Saver interface {
	MaybeSave(step int64) error
}

// Stats is a snapshot of the scheduler's lifetime counters.
type Stats struct {
	Batches        int64
	Minibatches    int64
	EarlyStops     int64
	Summaries      int64
	DroppedReports int64
	WaitNanos      int64
	TrainNanos     int64
}

// Scheduler trains the policy on assembled macro-batches. It normally runs
// on its own goroutine, pulling batches from a bounded queue; waiting for a
// batch is its only blocking point.
type Scheduler struct {
	cfg    Config
	geom   batch.Geometry
	dims   model.Dims
	m      model.Model
	opt    *model.Adam
	pool   *batch.Pool
	shared *SharedState

	reporter Reporter
	saver    Saver

	ix       *Indexer
	schedule *LinearDecay

	queue  chan *batch.MacroBatch
	stopCh chan struct{}
	wg     sync.WaitGroup

	lastSummary atomic.Int64 // unix nanos of the last emitted summary

	batches        atomic.Int64
	minibatches    atomic.Int64
	earlyStops     atomic.Int64
	summaries      atomic.Int64
	droppedReports atomic.Int64
	waitNanos      atomic.Int64
	trainNanos     atomic.Int64

	sc scratch
}

// scratch holds the training loop's reusable buffers, sized once at
// construction. Only the training goroutine touches them.
type scratch struct {
	idx []int

	obs       *etensor.Float32
	actions   *etensor.Int32
	rewards   []float32
	dones     []float32
	oldLogp   []float32
	oldValues []float32

	latent *etensor.Float32
	core   *etensor.Float32
	logits *etensor.Float32
	values *etensor.Float32

	stepLatent *etensor.Float32
	stepState  *etensor.Float32
	stepOut    *etensor.Float32
	stepNext   *etensor.Float32

	newLogp []float32
	entropy []float32
	ratios  []float32
	adv     []float32
	targets []float32
	adv64   []float64

	dLogp   []float32
	dEnt    []float32
	dLogits *etensor.Float32
	dValues *etensor.Float32

	batchAdv     []float32
	batchTargets []float32
}

// New creates a scheduler. reporter and saver may be nil. A nil cfg uses
// DefaultConfig.
func New(cfg *Config, m model.Model, opt *model.Adam, pool *batch.Pool, shared *SharedState, reporter Reporter, saver Saver) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ix, err := NewIndexer(cfg.ExperienceSize(), cfg.BatchSize, cfg.Recurrence, cfg.Seed)
	if err != nil {
		return nil, err
	}

	d := m.Dims()
	n := cfg.BatchSize
	wins := cfg.BatchSize / cfg.Recurrence
	exp := cfg.ExperienceSize()

	s := &Scheduler{
		cfg: *cfg,
		geom: batch.Geometry{
			Rollouts:   cfg.RolloutsPerBatch,
			RolloutLen: cfg.RolloutLen,
			ObsDim:     d.Obs,
			CoreDim:    d.Core,
		},
		dims:     d,
		m:        m,
		opt:      opt,
		pool:     pool,
		shared:   shared,
		reporter: reporter,
		saver:    saver,
		ix:       ix,
		schedule: SummarySchedule(),
		queue:    make(chan *batch.MacroBatch, cfg.QueueDepth),
		stopCh:   make(chan struct{}),
		sc: scratch{
			idx:        make([]int, 0, n),
			obs:        etensor.NewFloat32([]int{n, d.Obs}, nil, nil),
			actions:    etensor.NewInt32([]int{n}, nil, nil),
			rewards:    make([]float32, n),
			dones:      make([]float32, n),
			oldLogp:    make([]float32, n),
			oldValues:  make([]float32, n),
			latent:     etensor.NewFloat32([]int{n, d.Latent}, nil, nil),
			core:       etensor.NewFloat32([]int{n, d.Core}, nil, nil),
			logits:     etensor.NewFloat32([]int{n, d.Actions}, nil, nil),
			values:     etensor.NewFloat32([]int{n}, nil, nil),
			stepLatent: etensor.NewFloat32([]int{wins, d.Latent}, nil, nil),
			stepState:  etensor.NewFloat32([]int{wins, d.Core}, nil, nil),
			stepOut:    etensor.NewFloat32([]int{wins, d.Core}, nil, nil),
			stepNext:   etensor.NewFloat32([]int{wins, d.Core}, nil, nil),
			newLogp:    make([]float32, n),
			entropy:    make([]float32, n),
			ratios:     make([]float32, n),
			adv:        make([]float32, n),
			targets:    make([]float32, n),
			adv64:      make([]float64, n),
			dLogp:      make([]float32, n),
			dEnt:       make([]float32, n),
			dLogits:    etensor.NewFloat32([]int{n, d.Actions}, nil, nil),
			dValues:    etensor.NewFloat32([]int{n}, nil, nil),
		},
	}
	if cfg.Estimator == EstimatorGAE {
		s.sc.batchAdv = make([]float32, exp)
		s.sc.batchTargets = make([]float32, exp)
	}
	return s, nil
}

// Start launches the background training loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop finishes in-flight training, drains already-queued batches, and joins
// the loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Enqueue hands an assembled macro-batch to the training loop without
// blocking. Returns false when the queue is full; the batch stays with the
// caller.
func (s *Scheduler) Enqueue(mb *batch.MacroBatch) bool {
	select {
	case s.queue <- mb:
		return true
	default:
		return false
	}
}

// Queued returns the number of macro-batches waiting to be trained on.
func (s *Scheduler) Queued() int {
	return len(s.queue)
}

// QueueDepth returns the queue capacity.
func (s *Scheduler) QueueDepth() int {
	return cap(s.queue)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Batches:        s.batches.Load(),
		Minibatches:    s.minibatches.Load(),
		EarlyStops:     s.earlyStops.Load(),
		Summaries:      s.summaries.Load(),
		DroppedReports: s.droppedReports.Load(),
		WaitNanos:      s.waitNanos.Load(),
		TrainNanos:     s.trainNanos.Load(),
	}
}

// ConfigSnapshot returns the current hyperparameters, including applied
// mutations.
func (s *Scheduler) ConfigSnapshot() Config {
	s.shared.PbtMu.Lock()
	defer s.shared.PbtMu.Unlock()
	return s.cfg
}

// ApplyDelta applies a live hyperparameter mutation. It waits for the
// current training iteration to finish, and rejects the whole delta on the
// first invalid entry so a malformed mutation cannot be half-applied.
func (s *Scheduler) ApplyDelta(delta map[string]float64) error {
	for k, v := range delta {
		if err := validateDelta(k, v); err != nil {
			return err
		}
	}

	s.shared.PbtMu.Lock()
	defer s.shared.PbtMu.Unlock()

	for k, v := range delta {
		switch k {
		case "learning_rate":
			s.opt.SetLR(float32(v))
		case "entropy_coeff":
			s.cfg.EntropyCoeff = float32(v)
		case "value_coeff":
			s.cfg.ValueCoeff = float32(v)
		case "clip_ratio":
			s.cfg.ClipRatio = float32(v)
		case "clip_value":
			s.cfg.ClipValue = float32(v)
		case "gamma":
			s.cfg.Gamma = float32(v)
		case "gae_lambda":
			s.cfg.GAELambda = float32(v)
		case "max_grad_norm":
			s.cfg.MaxGradNorm = float32(v)
		}
		log.Printf("scheduler: hyperparameter %s set to %v", k, v)
	}
	return nil
}

func validateDelta(key string, v float64) error {
	switch key {
	case "learning_rate", "clip_value":
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", key, v)
		}
	case "entropy_coeff", "value_coeff", "max_grad_norm":
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %v", key, v)
		}
	case "clip_ratio":
		if v <= 1 {
			return fmt.Errorf("clip_ratio must exceed 1, got %v", v)
		}
	case "gamma":
		if v <= 0 || v > 1 {
			return fmt.Errorf("gamma must be in (0, 1], got %v", v)
		}
	case "gae_lambda":
		if v < 0 || v > 1 {
			return fmt.Errorf("gae_lambda must be in [0, 1], got %v", v)
		}
	default:
		return fmt.Errorf("unknown hyperparameter %q", key)
	}
	return nil
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WaitTimeout)
	defer ticker.Stop()

	for {
		waitStart := time.Now()
		select {
		case mb := <-s.queue:
			s.waitNanos.Add(time.Since(waitStart).Nanoseconds())
			if err := s.TrainBatch(mb); err != nil {
				log.Printf("scheduler: fatal: %v", err)
				s.shared.Stop.Store(true)
				return
			}
		case <-ticker.C:
			s.waitNanos.Add(time.Since(waitStart).Nanoseconds())
			if s.shared.Stop.Load() {
				s.drain()
				return
			}
		case <-s.stopCh:
			s.drain()
			return
		}
	}
}

// drain trains whatever is already queued, then returns. Termination is
// cooperative: queued batches are consumed, not discarded.
func (s *Scheduler) drain() {
	for {
		select {
		case mb := <-s.queue:
			if err := s.TrainBatch(mb); err != nil {
				log.Printf("scheduler: fatal during drain: %v", err)
				s.shared.Stop.Store(true)
				return
			}
		default:
			return
		}
	}
}

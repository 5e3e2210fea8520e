// Package learner assembles the full training pipeline: rollout slab,
// batch assembly, backpressure, the training scheduler, checkpoints, and
// the control inbox, coordinated by one control loop.
package learner

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jingweiz/sample-factory/internal/backpressure"
	"github.com/jingweiz/sample-factory/internal/batch"
	"github.com/jingweiz/sample-factory/internal/buffer"
	"github.com/jingweiz/sample-factory/internal/checkpoint"
	"github.com/jingweiz/sample-factory/internal/control"
	"github.com/jingweiz/sample-factory/internal/metrics"
	"github.com/jingweiz/sample-factory/internal/model"
	"github.com/jingweiz/sample-factory/internal/report"
	"github.com/jingweiz/sample-factory/internal/sched"
	pkgerrors "github.com/jingweiz/sample-factory/pkg/errors"
)

// Config composes the component configurations. Nil sub-configs select
// that component's defaults.
type Config struct {
	PolicyID int

	// RunID names the run in checkpoints and logs. Empty draws a fresh id.
	RunID string

	// MaxPolicyLag bounds how many versions behind a rollout may be
	// before assembly discards it. Zero disables the staleness filter.
	MaxPolicyLag int64

	// InboxDepth bounds the control channel.
	InboxDepth int

	// TickInterval is the control loop cadence between inbox drains.
	TickInterval time.Duration

	// TrainInline trains on the control loop instead of the background
	// scheduler. Strictly slower; debugging only.
	TrainInline bool

	Slab       *buffer.Config
	Train      *sched.Config
	Pressure   *backpressure.Config
	Checkpoint *checkpoint.Config
	Model      *model.NetConfig
	Optimizer  *model.AdamConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PolicyID:     0,
		MaxPolicyLag: 100,
		InboxDepth:   control.DefaultDepth,
		TickInterval: 5 * time.Millisecond,
	}
}

// Learner owns every pipeline component for one policy.
type Learner struct {
	cfg   Config
	runID string

	shared *sched.SharedState
	slab   *buffer.Slab
	pool   *batch.Pool
	asm    *batch.Assembler
	bp     *backpressure.Controller
	net    *model.Net
	opt    *model.Adam
	sched  *sched.Scheduler
	ckpt   *checkpoint.Manager
	inbox  *control.Channel
	sink   report.Sink

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	rollouts atomic.Int64
	inits    atomic.Int64
	pbtTasks atomic.Int64
}

// New builds a learner. A nil sink logs summaries.
func New(cfg *Config, sink report.Sink) (*Learner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Slab == nil {
		c.Slab = buffer.DefaultConfig()
	}
	if c.Train == nil {
		c.Train = sched.DefaultConfig()
	}
	if c.Pressure == nil {
		c.Pressure = pressureDefaults(c.Train)
	}
	if c.Checkpoint == nil {
		c.Checkpoint = checkpoint.DefaultConfig()
	}
	if c.Model == nil {
		c.Model = model.DefaultNetConfig()
	}
	if c.InboxDepth <= 0 {
		c.InboxDepth = control.DefaultDepth
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Millisecond
	}
	if c.MaxPolicyLag < 0 {
		return nil, fmt.Errorf("max policy lag must be non-negative, got %d", c.MaxPolicyLag)
	}
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}

	// The learner's policy id is authoritative.
	ckptCfg := *c.Checkpoint
	ckptCfg.PolicyID = c.PolicyID
	c.Checkpoint = &ckptCfg

	if err := checkDims(&c); err != nil {
		return nil, err
	}

	net, err := model.NewNet(c.Model)
	if err != nil {
		return nil, err
	}
	optCfg := model.DefaultAdamConfig()
	if c.Optimizer != nil {
		optCfg = *c.Optimizer
	}
	opt := model.NewAdam(optCfg, net.NumParams())
	shared := &sched.SharedState{}

	slab, err := buffer.NewSlab(c.Slab)
	if err != nil {
		return nil, err
	}
	pool := batch.NewPool()

	dims := net.Dims()
	geom := batch.Geometry{
		Rollouts:   c.Train.RolloutsPerBatch,
		RolloutLen: c.Train.RolloutLen,
		ObsDim:     dims.Obs,
		CoreDim:    dims.Core,
	}
	asm, err := batch.NewAssembler(slab, pool, geom, c.MaxPolicyLag)
	if err != nil {
		return nil, err
	}

	bp, err := backpressure.NewController(c.Pressure)
	if err != nil {
		return nil, err
	}

	ckpt, err := checkpoint.NewManager(c.Checkpoint, net, opt, shared, c.RunID)
	if err != nil {
		return nil, err
	}

	if sink == nil {
		sink = report.NewLogSink()
	}
	scheduler, err := sched.New(c.Train, net, opt, pool, shared, sink, ckpt)
	if err != nil {
		return nil, err
	}

	return &Learner{
		cfg:    c,
		runID:  c.RunID,
		shared: shared,
		slab:   slab,
		pool:   pool,
		asm:    asm,
		bp:     bp,
		net:    net,
		opt:    opt,
		sched:  scheduler,
		ckpt:   ckpt,
		inbox:  control.NewChannel(c.InboxDepth),
		sink:   sink,
		done:   make(chan struct{}),
	}, nil
}

// checkDims rejects slab and model shapes that cannot feed one another.
func checkDims(c *Config) error {
	m := c.Model
	switch {
	case c.Slab.RolloutLen != c.Train.RolloutLen:
		return fmt.Errorf("slab rollout length %d does not match training %d: %w",
			c.Slab.RolloutLen, c.Train.RolloutLen, pkgerrors.ErrBadGeometry)
	case c.Slab.ObsDim != m.ObsDim:
		return fmt.Errorf("slab obs dim %d does not match model %d: %w",
			c.Slab.ObsDim, m.ObsDim, pkgerrors.ErrBadGeometry)
	case c.Slab.CoreDim != m.LatentDim:
		return fmt.Errorf("slab core dim %d does not match model %d: %w",
			c.Slab.CoreDim, m.LatentDim, pkgerrors.ErrBadGeometry)
	}
	return nil
}

// pressureDefaults derives backpressure ratios from the batch geometry.
func pressureDefaults(train *sched.Config) *backpressure.Config {
	p := backpressure.DefaultConfig()
	if err := train.Validate(); err != nil {
		return p
	}
	p.MinibatchesPerIteration = train.Epochs * train.MinibatchesPerBatch()
	if r := train.BatchSize / train.RolloutLen; r > 0 {
		p.RolloutsPerMinibatch = r
	} else {
		p.RolloutsPerMinibatch = 1
	}
	return p
}

// Init restores the newest checkpoint if one exists. Any load failure
// falls back to a cold start; training must not be blocked by a damaged
// checkpoint directory.
func (l *Learner) Init() error {
	ck, err := l.ckpt.Load()
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNoCheckpoint) {
			log.Printf("learner: no checkpoint for policy %d, starting fresh", l.cfg.PolicyID)
		} else {
			log.Printf("learner: checkpoint load failed, starting fresh: %v", err)
		}
		return nil
	}
	if err := l.ckpt.Apply(ck); err != nil {
		log.Printf("learner: checkpoint apply failed, starting fresh: %v", err)
		return nil
	}
	log.Printf("learner: resumed run %s at train step %d, env steps %d",
		ck.RunID, l.shared.TrainStep.Load(), l.shared.EnvSteps.Load())
	return nil
}

// Start launches the scheduler and the control loop.
func (l *Learner) Start() {
	if !l.cfg.TrainInline {
		l.sched.Start()
	}
	l.wg.Add(1)
	go l.loop()
	log.Printf("learner: started, run %s, policy %d", l.runID, l.cfg.PolicyID)
}

// Stop requests termination and waits for the control loop to finish.
func (l *Learner) Stop() {
	l.stopOnce.Do(func() {
		if err := l.inbox.Send(control.Message{Type: control.Terminate}); err != nil &&
			!errors.Is(err, pkgerrors.ErrChannelClosed) {
			log.Printf("learner: stop request failed: %v", err)
		}
	})
	l.wg.Wait()
}

// Done is closed once the control loop has exited, whether from an
// operator shutdown or a fatal training error.
func (l *Learner) Done() <-chan struct{} {
	return l.done
}

func (l *Learner) loop() {
	defer l.wg.Done()
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for range ticker.C {
		if l.runCycle() {
			return
		}
	}
}

// runCycle is one control loop turn: drain the inbox, feed the scheduler,
// sample backpressure. Returns true when the learner should exit.
func (l *Learner) runCycle() bool {
	for {
		msg, ok := l.inbox.Poll()
		if !ok {
			break
		}
		if l.dispatch(msg) {
			return true
		}
	}

	l.pump()

	l.bp.Tick(backpressure.Load{
		Training:        l.shared.Training.Load(),
		PendingRollouts: l.asm.Pending(),
		QueuedBatches:   l.sched.Queued(),
	})

	if l.shared.Stop.Load() {
		log.Printf("learner: scheduler requested stop")
		l.shutdown()
		return true
	}
	return false
}

// pump moves assembled macro-batches to the scheduler while there is
// queue room, or trains them inline in debug mode.
func (l *Learner) pump() {
	for l.cfg.TrainInline || l.sched.Queued() < l.sched.QueueDepth() {
		mb, err := l.asm.TryAssemble(l.shared.TrainStep.Load())
		if err != nil {
			log.Printf("learner: assembly failed: %v", err)
			l.shared.Stop.Store(true)
			return
		}
		if mb == nil {
			return
		}
		if l.cfg.TrainInline {
			if err := l.sched.TrainBatch(mb); err != nil {
				log.Printf("learner: inline training failed: %v", err)
				l.shared.Stop.Store(true)
				return
			}
			continue
		}
		if !l.sched.Enqueue(mb) {
			// The control loop is the only enqueuer, so this cannot race
			// past the capacity check above.
			l.pool.Release(mb)
			log.Printf("learner: dropped assembled batch, queue full")
			return
		}
	}
}

func (l *Learner) dispatch(msg control.Message) bool {
	switch msg.Type {
	case control.Train:
		l.asm.Submit(msg.Rollout)
		l.rollouts.Add(1)
	case control.Init:
		l.inits.Add(1)
		log.Printf("learner: init requested, policy version %d", l.shared.Version.Load())
	case control.Pbt:
		l.handlePbt(msg.Task)
	case control.Terminate:
		log.Printf("learner: terminate received, %d rollouts pending", l.asm.Pending())
		l.shutdown()
		return true
	}
	return false
}

func (l *Learner) handlePbt(task control.PbtTask) {
	l.pbtTasks.Add(1)
	switch task.Kind {
	case control.SaveModel:
		if err := l.ckpt.Save(); err != nil {
			log.Printf("learner: pbt save failed: %v", err)
		}
	case control.LoadModel:
		ck, err := l.ckpt.LoadFrom(task.FromPolicyID)
		if err != nil {
			log.Printf("learner: pbt load from policy %d failed: %v", task.FromPolicyID, err)
			return
		}
		// Weight transplants wait for the iteration boundary.
		l.shared.PbtMu.Lock()
		err = l.ckpt.Apply(ck)
		l.shared.PbtMu.Unlock()
		if err != nil {
			log.Printf("learner: pbt apply failed: %v", err)
			return
		}
		log.Printf("learner: adopted weights from policy %d at step %d", task.FromPolicyID, ck.TrainStep)
	case control.UpdateConfig:
		if err := l.sched.ApplyDelta(task.Delta); err != nil {
			log.Printf("learner: pbt config update rejected: %v", err)
		}
	}
}

// shutdown stops training and writes a final checkpoint.
func (l *Learner) shutdown() {
	if !l.cfg.TrainInline {
		l.sched.Stop()
	}
	if err := l.ckpt.Save(); err != nil {
		log.Printf("learner: final checkpoint failed: %v", err)
	}
	log.Printf("learner: stopped at train step %d, env steps %d",
		l.shared.TrainStep.Load(), l.shared.EnvSteps.Load())
}

// StatusLines renders run state for the control server.
func (l *Learner) StatusLines() []string {
	st := l.sched.Stats()
	return []string{
		fmt.Sprintf("run_id:%s", l.runID),
		fmt.Sprintf("policy_id:%d", l.cfg.PolicyID),
		fmt.Sprintf("train_step:%d", l.shared.TrainStep.Load()),
		fmt.Sprintf("env_steps:%d", l.shared.EnvSteps.Load()),
		fmt.Sprintf("policy_version:%d", l.shared.Version.Load()),
		fmt.Sprintf("rollouts_received:%d", l.rollouts.Load()),
		fmt.Sprintf("rollouts_discarded:%d", l.asm.Discards()),
		fmt.Sprintf("pending_rollouts:%d", l.asm.Pending()),
		fmt.Sprintf("queued_batches:%d", l.sched.Queued()),
		fmt.Sprintf("batches_trained:%d", st.Batches),
		fmt.Sprintf("minibatches_trained:%d", st.Minibatches),
		fmt.Sprintf("early_stops:%d", st.EarlyStops),
		fmt.Sprintf("summaries:%d", st.Summaries),
		fmt.Sprintf("collection_paused:%t", l.bp.Paused()),
		fmt.Sprintf("free_slots:%d", l.slab.FreeSlots()),
	}
}

// MetricsSnapshot gathers the counters the metrics collector exports.
func (l *Learner) MetricsSnapshot() metrics.Snapshot {
	st := l.sched.Stats()
	ps := l.pool.Stats()
	_, rejected := l.inbox.Stats()
	return metrics.Snapshot{
		TrainStep:         l.shared.TrainStep.Load(),
		EnvSteps:          l.shared.EnvSteps.Load(),
		PolicyVersion:     l.shared.Version.Load(),
		RolloutsReceived:  l.rollouts.Load(),
		RolloutsDiscarded: l.asm.Discards(),
		BatchesAssembled:  l.asm.Assembled(),
		BatchesTrained:    st.Batches,
		Minibatches:       st.Minibatches,
		EarlyStops:        st.EarlyStops,
		Summaries:         st.Summaries,
		DroppedReports:    st.DroppedReports,
		PauseTransitions:  l.bp.Transitions(),
		InboxRejected:     rejected,
		PoolHits:          ps.Hits,
		PoolMisses:        ps.Misses,
		WaitNanos:         st.WaitNanos,
		TrainNanos:        st.TrainNanos,
		PendingRollouts:   l.asm.Pending(),
		QueuedBatches:     l.sched.Queued(),
		InboxDepth:        l.inbox.Len(),
		FreeSlots:         l.slab.FreeSlots(),
		Paused:            l.bp.Paused(),
	}
}

// Version is the published policy version.
func (l *Learner) Version() int64 {
	return l.shared.Version.Load()
}

// RunID identifies this run.
func (l *Learner) RunID() string {
	return l.runID
}

// Inbox is the control channel producers and the server feed.
func (l *Learner) Inbox() *control.Channel {
	return l.inbox
}

// Slab is the shared rollout buffer producers write.
func (l *Learner) Slab() *buffer.Slab {
	return l.slab
}

// Shared exposes the cross-task counters.
func (l *Learner) Shared() *sched.SharedState {
	return l.shared
}

// Pressure is the collection pause/resume controller.
func (l *Learner) Pressure() *backpressure.Controller {
	return l.bp
}

// Scheduler exposes training statistics.
func (l *Learner) Scheduler() *sched.Scheduler {
	return l.sched
}

// Assembler exposes assembly statistics.
func (l *Learner) Assembler() *batch.Assembler {
	return l.asm
}

// Pool exposes buffer reuse statistics.
func (l *Learner) Pool() *batch.Pool {
	return l.pool
}

// Checkpoints exposes the checkpoint manager.
func (l *Learner) Checkpoints() *checkpoint.Manager {
	return l.ckpt
}

// Package checkpoint persists and restores model and optimizer state on a
// rotating schedule, with a separate never-pruned milestone series.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jingweiz/sample-factory/internal/model"
	"github.com/jingweiz/sample-factory/internal/sched"
	pkgerrors "github.com/jingweiz/sample-factory/pkg/errors"
)

const loadRetries = 3

// Checkpoint is the serialized learner state. Params and Opt restore the
// policy; the counters restore training progress.
type Checkpoint struct {
	TrainStep int64
	EnvSteps  int64
	PolicyID  int
	RunID     string
	SavedAt   time.Time
	Params    []float32
	Opt       model.AdamState
}

// Config controls checkpoint placement and cadence.
type Config struct {
	// Dir is the training directory; each policy saves under its own
	// subdirectory of it.
	Dir      string
	PolicyID int

	// Keep is how many regular checkpoints survive pruning.
	Keep int

	// SaveEvery is the minimum time between regular saves.
	SaveEvery time.Duration

	// MilestoneEvery is the cadence of never-pruned milestone copies.
	// Zero disables milestones.
	MilestoneEvery time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Dir:            "train_dir",
		PolicyID:       0,
		Keep:           3,
		SaveEvery:      120 * time.Second,
		MilestoneEvery: 0,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.Dir == "":
		return fmt.Errorf("checkpoint dir must not be empty")
	case c.PolicyID < 0:
		return fmt.Errorf("policy id must be non-negative, got %d", c.PolicyID)
	case c.Keep < 1:
		return fmt.Errorf("keep must be at least 1, got %d", c.Keep)
	case c.SaveEvery <= 0:
		return fmt.Errorf("save interval must be positive, got %v", c.SaveEvery)
	case c.MilestoneEvery < 0:
		return fmt.Errorf("milestone interval must be non-negative, got %v", c.MilestoneEvery)
	}
	return nil
}

// Manager saves and restores checkpoints for one policy. MaybeSave and Save
// are driven by the training loop; Load/Apply by the control loop during
// startup and PBT weight transplants.
type Manager struct {
	cfg    Config
	m      model.Model
	opt    *model.Adam
	shared *sched.SharedState
	runID  string

	lastSave      time.Time
	lastMilestone time.Time
}

// NewManager creates a checkpoint manager. A nil cfg uses DefaultConfig.
func NewManager(cfg *Config, m model.Model, opt *model.Adam, shared *sched.SharedState, runID string) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:    *cfg,
		m:      m,
		opt:    opt,
		shared: shared,
		runID:  runID,
	}, nil
}

// MaybeSave writes a checkpoint when the save interval has elapsed since the
// last one. Offered after every optimizer step.
func (m *Manager) MaybeSave(step int64) error {
	if time.Since(m.lastSave) < m.cfg.SaveEvery {
		return nil
	}
	return m.Save()
}

// Save snapshots the current state and writes it via a temporary file and an
// atomic rename, so no reader ever observes a half-written checkpoint. After
// a successful write it prunes old regular checkpoints and, on its own
// cadence, copies the fresh checkpoint into the milestone directory.
func (m *Manager) Save() error {
	ck := m.snapshot()
	dir := m.policyDir(m.cfg.PolicyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %v: %w", dir, err, pkgerrors.ErrCheckpointIO)
	}

	name := checkpointName(ck.TrainStep, ck.EnvSteps)
	path := filepath.Join(dir, name)
	if err := writeAtomic(path, &ck); err != nil {
		return fmt.Errorf("write %s: %v: %w", path, err, pkgerrors.ErrCheckpointIO)
	}
	m.lastSave = time.Now()
	log.Printf("checkpoint: saved %s", path)

	if err := m.prune(dir); err != nil {
		log.Printf("checkpoint: prune failed: %v", err)
	}

	if m.cfg.MilestoneEvery > 0 && time.Since(m.lastMilestone) >= m.cfg.MilestoneEvery {
		if err := m.milestone(path, name); err != nil {
			log.Printf("checkpoint: milestone copy failed: %v", err)
		} else {
			m.lastMilestone = time.Now()
		}
	}
	return nil
}

// Load restores the newest checkpoint of this manager's policy.
func (m *Manager) Load() (*Checkpoint, error) {
	return m.LoadFrom(m.cfg.PolicyID)
}

// LoadFrom reads the newest checkpoint of the given policy, tolerating
// transient read failures with bounded retries. A missing checkpoint yields
// ErrNoCheckpoint so callers can start cold instead of dying.
func (m *Manager) LoadFrom(policyID int) (*Checkpoint, error) {
	dir := m.policyDir(policyID)
	names, err := listCheckpoints(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("policy %d: %w", policyID, pkgerrors.ErrNoCheckpoint)
		}
		return nil, fmt.Errorf("list %s: %v: %w", dir, err, pkgerrors.ErrCheckpointIO)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("policy %d: %w", policyID, pkgerrors.ErrNoCheckpoint)
	}

	path := filepath.Join(dir, names[len(names)-1])
	var lastErr error
	for attempt := 1; attempt <= loadRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * 50 * time.Millisecond)
		}
		ck, err := readCheckpoint(path)
		if err == nil {
			log.Printf("checkpoint: loaded %s (step %d, env steps %d)", path, ck.TrainStep, ck.EnvSteps)
			return ck, nil
		}
		lastErr = err
		log.Printf("checkpoint: load attempt %d/%d failed: %v", attempt, loadRetries, err)
	}
	return nil, fmt.Errorf("load %s: %v: %w", path, lastErr, pkgerrors.ErrCheckpointIO)
}

// Apply restores model and optimizer state under the policy lock. Progress
// counters transfer only when the checkpoint belongs to this policy; weights
// transplanted from another policy must not overwrite local progress.
func (m *Manager) Apply(ck *Checkpoint) error {
	m.shared.PolicyMu.Lock()
	defer m.shared.PolicyMu.Unlock()

	if err := m.m.LoadParameters(ck.Params); err != nil {
		return err
	}
	if err := m.opt.LoadState(ck.Opt); err != nil {
		return err
	}
	if ck.PolicyID == m.cfg.PolicyID {
		m.shared.TrainStep.Store(ck.TrainStep)
		m.shared.Version.Store(ck.TrainStep)
		m.shared.EnvSteps.Store(ck.EnvSteps)
	}
	return nil
}

func (m *Manager) snapshot() Checkpoint {
	m.shared.PolicyMu.RLock()
	defer m.shared.PolicyMu.RUnlock()

	return Checkpoint{
		TrainStep: m.shared.TrainStep.Load(),
		EnvSteps:  m.shared.EnvSteps.Load(),
		PolicyID:  m.cfg.PolicyID,
		RunID:     m.runID,
		SavedAt:   time.Now(),
		Params:    m.m.SnapshotParameters(),
		Opt:       m.opt.State(),
	}
}

// prune removes all but the newest Keep regular checkpoints. Names embed a
// zero-padded step, so lexicographic order is step order.
func (m *Manager) prune(dir string) error {
	names, err := listCheckpoints(dir)
	if err != nil {
		return err
	}
	if len(names) <= m.cfg.Keep {
		return nil
	}
	for _, name := range names[:len(names)-m.cfg.Keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
		log.Printf("checkpoint: pruned %s", name)
	}
	return nil
}

func (m *Manager) milestone(path, name string) error {
	mdir := filepath.Join(m.policyDir(m.cfg.PolicyID), "milestones")
	if err := os.MkdirAll(mdir, 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(mdir, name), data, 0o644)
}

func (m *Manager) policyDir(policyID int) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("checkpoint_p%d", policyID))
}

func checkpointName(trainStep, envSteps int64) string {
	return fmt.Sprintf("checkpoint_%09d_%d.ckpt", trainStep, envSteps)
}

func listCheckpoints(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "checkpoint_") || !strings.HasSuffix(e.Name(), ".ckpt") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func writeAtomic(path string, ck *Checkpoint) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(ck); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ck Checkpoint
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return nil, err
	}
	return &ck, nil
}

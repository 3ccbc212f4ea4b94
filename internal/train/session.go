// Package train drives rollout collection and policy optimization over the
// pendulum-chain simulator.
package train

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"polecart/internal/model"
	"polecart/internal/physics"
	"polecart/internal/policy"
	"polecart/internal/ppo"
	"polecart/internal/rollout"
	"polecart/internal/storage"
)

type Config struct {
	Poles      int
	Seed       int64
	TickPeriod time.Duration

	Physics   physics.Config
	Policy    policy.Config
	PPO       ppo.Config
	Estimator rollout.Estimator

	// MaxEpisodeSteps truncates an episode after that many ticks. Zero
	// means episodes end only on track or ground contact.
	MaxEpisodeSteps int

	// DivergenceWarnStreak is the number of consecutive diverged episodes
	// after which a warning is logged. Divergence is never fatal.
	DivergenceWarnStreak int

	RunID     string
	CreatedAt time.Time
	Store     storage.Store
	Logger    *log.Logger

	// OnEpisodeEnd is invoked (from the update goroutine) after each
	// episode's bookkeeping completes.
	OnEpisodeEnd func(model.EpisodeRecord)
}

func DefaultConfig(poles int) Config {
	return Config{
		Poles:                poles,
		TickPeriod:           20 * time.Millisecond,
		Physics:              physics.DefaultConfig(poles),
		Policy:               policy.DefaultConfig(2 + 2*poles),
		PPO:                  ppo.DefaultConfig(),
		Estimator:            rollout.NewEstimator(),
		DivergenceWarnStreak: 5,
	}
}

// Session owns the simulator, the policy/value model, and the episode buffer.
// All trainer state lives here rather than in package globals, so several
// sessions can coexist and reconfiguration is a plain rebuild.
//
// One tick driver calls Tick; the PPO update runs in a dispatched goroutine
// and is not awaited by the tick path. Action selection and parameter updates
// serialize on paramsMu, so a tick that lands mid-update blocks at action
// selection and the elapsed-time catch-up in the physics engine absorbs the
// delay.
type Session struct {
	cfg Config
	rng *rand.Rand

	mu     sync.Mutex // guards engine/buffer and episode counters
	engine *physics.Engine
	buffer *rollout.Buffer

	paramsMu sync.Mutex // serializes model reads against updates
	model    *policy.Model

	estimator rollout.Estimator
	updater   *ppo.Updater

	updates  sync.WaitGroup
	recordMu sync.Mutex // guards store writes and reward history

	episodeIndex  int
	episodeSteps  int
	episodeReward float64
	episodeStart  time.Time

	episodesDone     atomic.Int64
	totalSteps       atomic.Int64
	divergenceStreak atomic.Int32

	rewardHistory []float64
	bestReward    float64

	logger *log.Logger
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = 20 * time.Millisecond
	}
	if cfg.DivergenceWarnStreak <= 0 {
		cfg.DivergenceWarnStreak = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Seed == 0 {
		cfg.Seed = rand.Int63()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	if cfg.Estimator.Gamma == 0 && cfg.Estimator.Lambda == 0 {
		cfg.Estimator = rollout.NewEstimator()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	engine, err := physics.NewEngine(cfg.Physics, rand.New(rand.NewSource(rng.Int63())))
	if err != nil {
		return nil, fmt.Errorf("build physics engine: %w", err)
	}
	if cfg.Policy.ObsDim != engine.StateDim() {
		return nil, fmt.Errorf("policy observation dimension %d does not match state dimension %d", cfg.Policy.ObsDim, engine.StateDim())
	}
	m, err := policy.NewModel(cfg.Policy, rand.New(rand.NewSource(rng.Int63())))
	if err != nil {
		return nil, fmt.Errorf("build policy model: %w", err)
	}
	updater, err := ppo.NewUpdater(cfg.PPO, rand.New(rand.NewSource(rng.Int63())))
	if err != nil {
		return nil, fmt.Errorf("build updater: %w", err)
	}

	s := &Session{
		cfg:          cfg,
		rng:          rng,
		engine:       engine,
		buffer:       rollout.NewBuffer(),
		model:        m,
		estimator:    cfg.Estimator,
		updater:      updater,
		episodeStart: time.Now(),
		logger:       cfg.Logger,
	}
	return s, nil
}

func (s *Session) RunID() string { return s.cfg.RunID }

func (s *Session) NumPoles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Poles()
}

// StateSnapshot returns a copy of the simulator state vector for rendering.
func (s *Session) StateSnapshot() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.State()
}

func (s *Session) EpisodesDone() int64 { return s.episodesDone.Load() }
func (s *Session) TotalSteps() int64   { return s.totalSteps.Load() }

// RewardHistory returns a copy of the per-episode reward sequence so far.
func (s *Session) RewardHistory() []float64 {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	return append([]float64(nil), s.rewardHistory...)
}

// Tick performs one scheduler tick: select an action, advance the physics by
// the elapsed wall-clock time, record the transition, and on termination
// dispatch the update asynchronously and reset for the next episode.
func (s *Session) Tick(ctx context.Context, elapsed time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	obs := s.engine.State()
	s.mu.Unlock()

	s.paramsMu.Lock()
	action, logProb, value, err := s.model.SampleAction(obs)
	s.paramsMu.Unlock()
	if err != nil {
		return fmt.Errorf("sample action: %w", err)
	}
	if !finite(action[0]) || !finite(logProb) || !finite(value) {
		s.handleDivergence("policy output")
		return nil
	}

	s.mu.Lock()
	steps := s.engine.Advance(action[0], elapsed)
	s.totalSteps.Add(int64(steps))

	if s.engine.Diverged() {
		s.mu.Unlock()
		s.handleDivergence("simulation state")
		return nil
	}

	done := s.engine.IsTerminal()
	if s.cfg.MaxEpisodeSteps > 0 && s.episodeSteps+1 >= s.cfg.MaxEpisodeSteps {
		done = true
	}
	s.buffer.Append(rollout.Transition{
		State:   obs,
		Action:  action,
		Reward:  1,
		Done:    done,
		LogProb: logProb,
		Value:   value,
	})
	s.episodeReward++
	s.episodeSteps++

	if !done {
		s.mu.Unlock()
		return nil
	}

	episode := s.buffer.Take()
	record := s.newEpisodeRecord()
	s.engine.Reset()
	s.resetEpisodeLocked()
	s.mu.Unlock()

	s.episodesDone.Add(1)

	// The update is not awaited: the scheduler keeps ticking the next
	// episode while the optimizer runs.
	s.updates.Add(1)
	go func() {
		defer s.updates.Done()
		s.runUpdate(ctx, episode, record)
	}()
	return nil
}

// mu must be held.
func (s *Session) newEpisodeRecord() model.EpisodeRecord {
	return model.EpisodeRecord{
		VersionedRecord: storage.Stamp(),
		RunID:           s.cfg.RunID,
		Index:           s.episodeIndex,
		Steps:           s.episodeSteps,
		Reward:          s.episodeReward,
		DurationMs:      time.Since(s.episodeStart).Milliseconds(),
	}
}

// mu must be held.
func (s *Session) resetEpisodeLocked() {
	s.episodeIndex++
	s.episodeSteps = 0
	s.episodeReward = 0
	s.episodeStart = time.Now()
}

func (s *Session) runUpdate(ctx context.Context, episode []rollout.Transition, record model.EpisodeRecord) {
	if len(episode) == 0 {
		return
	}

	est, err := s.estimator.Compute(episode)
	if err != nil {
		s.logger.Printf("advantage estimation skipped: %v", err)
		record.Diverged = true
		s.noteDivergence()
		s.recordEpisode(ctx, record)
		return
	}
	record.AdvMean = est.AdvMean
	record.AdvStd = est.AdvStd

	s.paramsMu.Lock()
	stats, err := s.updater.Update(s.model, episode, est)
	s.paramsMu.Unlock()

	switch {
	case errors.Is(err, ppo.ErrDiverged):
		s.logger.Printf("update discarded after episode %d: %v", record.Index, err)
		record.Diverged = true
		s.noteDivergence()
	case errors.Is(err, ppo.ErrEmptyBatch):
		s.logger.Printf("update skipped after episode %d: empty batch", record.Index)
	case err != nil:
		s.logger.Printf("update failed after episode %d: %v", record.Index, err)
	default:
		record.ActorLoss = stats.ActorLoss
		record.CriticLoss = stats.CriticLoss
		record.Entropy = stats.Entropy
		s.divergenceStreak.Store(0)
	}

	s.recordEpisode(ctx, record)
}

// handleDivergence force-terminates the current episode without submitting
// its transitions for an update, resets the simulator, and keeps training.
func (s *Session) handleDivergence(source string) {
	s.mu.Lock()
	s.buffer.Clear()
	record := s.newEpisodeRecord()
	s.engine.Reset()
	s.resetEpisodeLocked()
	s.mu.Unlock()

	record.Diverged = true
	s.episodesDone.Add(1)
	s.logger.Printf("non-finite %s: episode %d force-terminated, update discarded", source, record.Index)
	s.noteDivergence()

	s.updates.Add(1)
	go func() {
		defer s.updates.Done()
		s.recordEpisode(context.Background(), record)
	}()
}

func (s *Session) noteDivergence() {
	streak := s.divergenceStreak.Add(1)
	if int(streak) >= s.cfg.DivergenceWarnStreak {
		s.logger.Printf("warning: %d consecutive diverged episodes", streak)
	}
}

func (s *Session) recordEpisode(ctx context.Context, record model.EpisodeRecord) {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	s.rewardHistory = append(s.rewardHistory, record.Reward)
	if record.Reward > s.bestReward {
		s.bestReward = record.Reward
	}

	if s.cfg.OnEpisodeEnd != nil {
		s.cfg.OnEpisodeEnd(record)
	}
	if s.cfg.Store == nil {
		return
	}

	if err := s.cfg.Store.SaveEpisode(ctx, record); err != nil {
		s.logger.Printf("save episode %d: %v", record.Index, err)
	}
	if err := s.cfg.Store.SaveRewardHistory(ctx, s.cfg.RunID, s.rewardHistory); err != nil {
		s.logger.Printf("save reward history: %v", err)
	}
	run := model.RunRecord{
		VersionedRecord: storage.Stamp(),
		ID:              s.cfg.RunID,
		CreatedAtUTC:    s.cfg.CreatedAt.Format(time.RFC3339),
		Poles:           s.cfg.Poles,
		Seed:            s.cfg.Seed,
		Episodes:        record.Index + 1,
		TotalSteps:      s.totalSteps.Load(),
		BestReward:      s.bestReward,
	}
	if err := s.cfg.Store.SaveRun(ctx, run); err != nil {
		s.logger.Printf("save run: %v", err)
	}
}

// WaitUpdates blocks until every dispatched update has finished.
func (s *Session) WaitUpdates() {
	s.updates.Wait()
}

// Reconfigure tears down and rebuilds the simulator, the policy/value model,
// and the buffer for a new pole count in one atomic operation. In-flight
// updates complete against the old model before the swap.
func (s *Session) Reconfigure(poles int) error {
	newPhysics := s.cfg.Physics
	newPhysics.Poles = poles
	engine, err := physics.NewEngine(newPhysics, rand.New(rand.NewSource(s.rng.Int63())))
	if err != nil {
		return fmt.Errorf("rebuild physics engine: %w", err)
	}
	newPolicy := s.cfg.Policy
	newPolicy.ObsDim = engine.StateDim()
	m, err := policy.NewModel(newPolicy, rand.New(rand.NewSource(s.rng.Int63())))
	if err != nil {
		return fmt.Errorf("rebuild policy model: %w", err)
	}
	updater, err := ppo.NewUpdater(s.cfg.PPO, rand.New(rand.NewSource(s.rng.Int63())))
	if err != nil {
		return fmt.Errorf("rebuild updater: %w", err)
	}

	s.updates.Wait()

	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.Poles = poles
	s.cfg.Physics = newPhysics
	s.cfg.Policy = newPolicy
	s.engine = engine
	s.model = m
	s.updater = updater
	s.buffer.Clear()
	s.episodeSteps = 0
	s.episodeReward = 0
	s.episodeStart = time.Now()
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

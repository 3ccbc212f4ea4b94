package ppo

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"polecart/internal/policy"
	"polecart/internal/rollout"
)

func newTestModel(t *testing.T, obsDim int) *policy.Model {
	t.Helper()
	cfg := policy.DefaultConfig(obsDim)
	cfg.HiddenSize = 16
	m, err := policy.NewModel(cfg, rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return m
}

func makeEpisode(t *testing.T, m *policy.Model, steps int) []rollout.Transition {
	t.Helper()
	rng := rand.New(rand.NewSource(17))
	cfg := m.Config()
	transitions := make([]rollout.Transition, 0, steps)
	for i := 0; i < steps; i++ {
		obs := make([]float64, cfg.ObsDim)
		for d := range obs {
			obs[d] = rng.NormFloat64() * 0.05
		}
		action, logProb, value, err := m.SampleAction(obs)
		if err != nil {
			t.Fatalf("sample action: %v", err)
		}
		transitions = append(transitions, rollout.Transition{
			State:   obs,
			Action:  action,
			Reward:  1,
			Done:    i == steps-1,
			LogProb: logProb,
			Value:   value,
		})
	}
	return transitions
}

func TestNewUpdaterValidatesConfig(t *testing.T) {
	bad := DefaultConfig()
	bad.ClipRatio = 0
	if _, err := NewUpdater(bad, nil); err == nil {
		t.Fatal("expected error for zero clip ratio")
	}
	bad = DefaultConfig()
	bad.Epochs = 0
	if _, err := NewUpdater(bad, nil); err == nil {
		t.Fatal("expected error for zero epochs")
	}
	bad = DefaultConfig()
	bad.BatchSize = 0
	if _, err := NewUpdater(bad, nil); err == nil {
		t.Fatal("expected error for zero batch size")
	}
	bad = DefaultConfig()
	bad.ActorLR = 0
	if _, err := NewUpdater(bad, nil); err == nil {
		t.Fatal("expected error for zero learning rate")
	}
}

func TestUpdateRejectsEmptyBatch(t *testing.T) {
	u, err := NewUpdater(DefaultConfig(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}
	m := newTestModel(t, 4)
	if _, err := u.Update(m, nil, rollout.Estimate{}); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestUpdateRejectsMismatchedEstimate(t *testing.T) {
	u, err := NewUpdater(DefaultConfig(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}
	m := newTestModel(t, 4)
	episode := makeEpisode(t, m, 3)
	est := rollout.Estimate{Advantages: []float64{1}, Returns: []float64{1}}
	if _, err := u.Update(m, episode, est); err == nil {
		t.Fatal("expected error for estimate/episode length mismatch")
	}
}

func TestUpdateStepsParameters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 2
	cfg.BatchSize = 8
	u, err := NewUpdater(cfg, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}

	m := newTestModel(t, 4)
	episode := makeEpisode(t, m, 20)
	est, err := rollout.NewEstimator().Compute(episode)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	probe := []float64{0.05, -0.02, 0.01, 0.0}
	meanBefore, valueBefore, err := m.Forward(probe)
	if err != nil {
		t.Fatalf("forward before update: %v", err)
	}

	stats, err := u.Update(m, episode, est)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// 20 transitions, batch 8, 2 epochs: 3 minibatches per epoch.
	if stats.Minibatches != 6 {
		t.Fatalf("minibatch count: got %d want 6", stats.Minibatches)
	}
	if math.IsNaN(stats.ActorLoss) || math.IsNaN(stats.CriticLoss) {
		t.Fatalf("non-finite losses: actor=%v critic=%v", stats.ActorLoss, stats.CriticLoss)
	}

	meanAfter, valueAfter, err := m.Forward(probe)
	if err != nil {
		t.Fatalf("forward after update: %v", err)
	}
	if meanAfter[0] == meanBefore[0] && valueAfter == valueBefore {
		t.Fatal("update left actor and critic outputs unchanged")
	}
}

func TestUpdateWithNormalizedAdvantages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 1
	cfg.BatchSize = 64
	cfg.NormalizeAdvantages = true
	u, err := NewUpdater(cfg, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}

	m := newTestModel(t, 4)
	episode := makeEpisode(t, m, 10)
	est, err := rollout.NewEstimator().Compute(episode)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	stats, err := u.Update(m, episode, est)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if stats.Minibatches != 1 {
		t.Fatalf("minibatch count: got %d want 1", stats.Minibatches)
	}
}

func TestUpdateDiscardsNonFiniteAdvantages(t *testing.T) {
	u, err := NewUpdater(DefaultConfig(), rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}
	m := newTestModel(t, 4)
	episode := makeEpisode(t, m, 4)
	est, err := rollout.NewEstimator().Compute(episode)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	est.Advantages[2] = math.NaN()

	if _, err := u.Update(m, episode, est); !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
}

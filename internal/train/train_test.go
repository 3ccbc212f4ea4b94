package train

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"polecart/internal/model"
	"polecart/internal/storage"
)

func testConfig(poles int) Config {
	cfg := DefaultConfig(poles)
	cfg.Seed = 7
	cfg.RunID = "run-test"
	cfg.Policy.HiddenSize = 8
	cfg.PPO.Epochs = 1
	cfg.PPO.BatchSize = 16
	// shrink the track so episodes end within a handful of ticks
	cfg.Physics.TrackLimit = 1e-4
	return cfg
}

func TestNewSessionRejectsDimensionMismatch(t *testing.T) {
	cfg := testConfig(1)
	cfg.Policy.ObsDim = 3
	if _, err := NewSession(cfg); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestTickAccumulatesTransitions(t *testing.T) {
	cfg := testConfig(1)
	cfg.Physics.TrackLimit = 2.4
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	if err := s.Tick(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := s.TotalSteps(); got != 1 {
		t.Fatalf("total steps = %d, want 1", got)
	}
	if got := s.buffer.Len(); got != 1 {
		t.Fatalf("buffer length = %d, want 1", got)
	}

	// below one integration interval: no physics step is taken
	if err := s.Tick(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := s.TotalSteps(); got != 1 {
		t.Fatalf("total steps after short tick = %d, want 1", got)
	}

	s.WaitUpdates()
}

func TestRunEpisodesHeadless(t *testing.T) {
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}

	var mu sync.Mutex
	var records []model.EpisodeRecord

	cfg := testConfig(1)
	cfg.Store = store
	cfg.OnEpisodeEnd = func(r model.EpisodeRecord) {
		mu.Lock()
		records = append(records, r)
		mu.Unlock()
	}

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.RunEpisodes(ctx, 2); err != nil {
		t.Fatalf("run episodes: %v", err)
	}

	if got := s.EpisodesDone(); got < 2 {
		t.Fatalf("episodes done = %d, want >= 2", got)
	}

	mu.Lock()
	n := len(records)
	mu.Unlock()
	if n < 2 {
		t.Fatalf("episode callbacks = %d, want >= 2", n)
	}

	episodes, ok, err := store.GetEpisodes(ctx, cfg.RunID)
	if err != nil || !ok {
		t.Fatalf("get episodes: ok=%v err=%v", ok, err)
	}
	if len(episodes) < 2 {
		t.Fatalf("persisted episodes = %d, want >= 2", len(episodes))
	}
	for _, ep := range episodes {
		if ep.Steps <= 0 {
			t.Fatalf("episode %d has non-positive steps", ep.Index)
		}
		if ep.Reward != float64(ep.Steps) {
			t.Fatalf("episode %d reward %v does not match steps %d", ep.Index, ep.Reward, ep.Steps)
		}
	}

	run, ok, err := store.GetRun(ctx, cfg.RunID)
	if err != nil || !ok {
		t.Fatalf("get run: ok=%v err=%v", ok, err)
	}
	if run.Episodes < 1 {
		t.Fatalf("run record episodes = %d, want >= 1", run.Episodes)
	}

	history, ok, err := store.GetRewardHistory(ctx, cfg.RunID)
	if err != nil || !ok {
		t.Fatalf("get reward history: ok=%v err=%v", ok, err)
	}
	if len(history) != n {
		t.Fatalf("reward history length = %d, want %d", len(history), n)
	}
}

func TestMaxEpisodeStepsTruncates(t *testing.T) {
	cfg := testConfig(1)
	cfg.Physics.TrackLimit = 2.4
	cfg.MaxEpisodeSteps = 3

	var mu sync.Mutex
	var steps []int
	cfg.OnEpisodeEnd = func(r model.EpisodeRecord) {
		mu.Lock()
		steps = append(steps, r.Steps)
		mu.Unlock()
	}

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RunEpisodes(context.Background(), 2); err != nil {
		t.Fatalf("run episodes: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(steps) < 2 {
		t.Fatalf("episodes recorded = %d, want >= 2", len(steps))
	}
	for i, n := range steps {
		if n > 3 {
			t.Fatalf("episode %d ran %d steps, cap is 3", i, n)
		}
	}
}

func TestRunEpisodesRejectsNonPositiveCount(t *testing.T) {
	s, err := NewSession(testConfig(1))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RunEpisodes(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero episodes")
	}
}

func TestReconfigureRebuildsForNewPoleCount(t *testing.T) {
	s, err := NewSession(testConfig(1))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if got := len(s.StateSnapshot()); got != 4 {
		t.Fatalf("state length = %d, want 4", got)
	}

	if err := s.Reconfigure(3); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if got := s.NumPoles(); got != 3 {
		t.Fatalf("poles = %d, want 3", got)
	}
	if got := len(s.StateSnapshot()); got != 8 {
		t.Fatalf("state length = %d, want 8", got)
	}

	if err := s.Reconfigure(0); err == nil {
		t.Fatal("expected error for zero poles")
	}

	// session still ticks against the rebuilt simulator
	if err := s.Tick(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("tick after reconfigure: %v", err)
	}
	s.WaitUpdates()
}

func TestHandleDivergenceDiscardsEpisode(t *testing.T) {
	done := make(chan model.EpisodeRecord, 1)
	cfg := testConfig(1)
	cfg.Physics.TrackLimit = 2.4
	cfg.OnEpisodeEnd = func(r model.EpisodeRecord) { done <- r }

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Tick(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("tick: %v", err)
	}

	s.handleDivergence("test")
	s.WaitUpdates()

	record := <-done
	if !record.Diverged {
		t.Fatal("record not flagged as diverged")
	}
	if got := s.buffer.Len(); got != 0 {
		t.Fatalf("buffer length after divergence = %d, want 0", got)
	}
	if got := s.EpisodesDone(); got != 1 {
		t.Fatalf("episodes done = %d, want 1", got)
	}
	if got := s.divergenceStreak.Load(); got != 1 {
		t.Fatalf("divergence streak = %d, want 1", got)
	}
}

func TestSupervisorRestartsUntilSuccess(t *testing.T) {
	var restarts []int
	sup := NewSupervisorWithHooks(SupervisorPolicy{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2,
	}, SupervisorHooks{
		OnRestart: func(name string, err error, count int) {
			restarts = append(restarts, count)
		},
	})

	attempts := 0
	err := sup.Start("trainer", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sup.Wait()

	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if len(restarts) != 2 || restarts[1] != 2 {
		t.Fatalf("restart counts = %v, want [1 2]", restarts)
	}
	if sup.LastError() == nil {
		t.Fatal("last error not recorded")
	}
}

func TestSupervisorPermanentFailure(t *testing.T) {
	failed := make(chan int, 1)
	sup := NewSupervisorWithHooks(SupervisorPolicy{
		InitialBackoff: time.Millisecond,
		MaxRestarts:    2,
	}, SupervisorHooks{
		OnPermanentFailure: func(name string, err error, count int) {
			failed <- count
		},
	})

	err := sup.Start("trainer", func(ctx context.Context) error {
		return errors.New("boom")
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sup.Wait()

	select {
	case count := <-failed:
		if count != 2 {
			t.Fatalf("restart count at failure = %d, want 2", count)
		}
	default:
		t.Fatal("permanent failure hook not invoked")
	}
}

func TestSupervisorStopCancelsTask(t *testing.T) {
	started := make(chan struct{})
	sup := NewSupervisor(SupervisorPolicy{})
	err := sup.Start("trainer", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	sup.Stop()

	// a stopped supervisor accepts a new task
	if err := sup.Start("trainer", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	sup.Wait()
}

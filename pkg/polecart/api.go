// Package polecart is the public entry point for training and inspecting
// pendulum-chain balancing runs.
package polecart

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"polecart/internal/stats"
	"polecart/internal/storage"
	"polecart/internal/train"
)

const (
	defaultPlotsDir = "plots"
	defaultDBPath   = "polecart.db"
)

type Options struct {
	StoreKind string
	DBPath    string
	PlotsDir  string
}

type Client struct {
	store    storage.Store
	plotsDir string

	initOnce sync.Once
	initErr  error
}

type TrainRequest struct {
	Poles    int
	Episodes int
	Seed     int64

	// Realtime drives the scheduler from a wall clock for Duration instead
	// of running the requested episode count headlessly.
	Realtime bool
	Duration time.Duration

	HiddenSize           int
	MaxEpisodeSteps      int
	NormalizeAdvantages  bool
	DivergenceWarnStreak int
}

type TrainSummary struct {
	RunID      string
	Poles      int
	Seed       int64
	Episodes   int
	TotalSteps int64
	BestReward float64
	MeanReward float64
	LastReward float64
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Poles        int
	Seed         int64
	Episodes     int
	TotalSteps   int64
	BestReward   float64
}

type EpisodeItem struct {
	Index      int
	Steps      int
	Reward     float64
	ActorLoss  float64
	CriticLoss float64
	Entropy    float64
	Diverged   bool
	DurationMs int64
}

type PlotRequest struct {
	RunID  string
	Latest bool
	Window int
	Out    string
}

type PlotSummary struct {
	RunID    string
	Path     string
	Episodes int
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	plotsDir := opts.PlotsDir
	if plotsDir == "" {
		plotsDir = defaultPlotsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{store: store, plotsDir: plotsDir}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Init prepares the backing store. Idempotent per client: the store is
// initialized at most once, so repeated trains on one client accumulate runs.
func (c *Client) Init(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.store.Init(ctx)
	})
	return c.initErr
}

// Train runs one training session and persists its telemetry. Headless
// requests run the given number of episodes as fast as the updates allow;
// realtime requests tick at the scheduler period until Duration elapses.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	if req.Poles <= 0 {
		req.Poles = 1
	}
	if req.Episodes <= 0 {
		req.Episodes = 100
	}
	if req.Realtime && req.Duration <= 0 {
		return TrainSummary{}, errors.New("realtime training needs a positive duration")
	}
	if err := c.Init(ctx); err != nil {
		return TrainSummary{}, fmt.Errorf("init store: %w", err)
	}

	cfg := train.DefaultConfig(req.Poles)
	cfg.Seed = req.Seed
	cfg.RunID = uuid.NewString()
	cfg.Store = c.store
	if req.HiddenSize > 0 {
		cfg.Policy.HiddenSize = req.HiddenSize
	}
	cfg.MaxEpisodeSteps = req.MaxEpisodeSteps
	cfg.PPO.NormalizeAdvantages = req.NormalizeAdvantages
	if req.DivergenceWarnStreak > 0 {
		cfg.DivergenceWarnStreak = req.DivergenceWarnStreak
	}

	session, err := train.NewSession(cfg)
	if err != nil {
		return TrainSummary{}, err
	}

	if req.Realtime {
		// a crashed tick loop restarts with backoff; the session state
		// survives across restarts
		sup := train.NewSupervisor(train.SupervisorPolicy{MaxRestarts: 5})
		if err := sup.Start("trainer", session.Run); err != nil {
			return TrainSummary{}, err
		}
		select {
		case <-ctx.Done():
		case <-time.After(req.Duration):
		}
		sup.Stop()
	} else {
		if err := session.RunEpisodes(ctx, req.Episodes); err != nil {
			return TrainSummary{}, err
		}
	}
	session.WaitUpdates()

	history := session.RewardHistory()
	summary := TrainSummary{
		RunID:      session.RunID(),
		Poles:      req.Poles,
		Seed:       cfg.Seed,
		Episodes:   len(history),
		TotalSteps: session.TotalSteps(),
	}
	if len(history) > 0 {
		rs := stats.SummarizeRewards(history)
		summary.BestReward = rs.Best
		summary.MeanReward = rs.Mean
		summary.LastReward = history[len(history)-1]
	}
	return summary, nil
}

func (c *Client) Runs(ctx context.Context, limit int) ([]RunItem, error) {
	runs, err := c.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]RunItem, 0, len(runs))
	for _, r := range runs {
		items = append(items, RunItem{
			RunID:        r.ID,
			CreatedAtUTC: r.CreatedAtUTC,
			Poles:        r.Poles,
			Seed:         r.Seed,
			Episodes:     r.Episodes,
			TotalSteps:   r.TotalSteps,
			BestReward:   r.BestReward,
		})
	}
	return items, nil
}

func (c *Client) Episodes(ctx context.Context, runID string, latest bool) (string, []EpisodeItem, error) {
	id, err := c.resolveRunID(ctx, runID, latest)
	if err != nil {
		return "", nil, err
	}
	episodes, ok, err := c.store.GetEpisodes(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, fmt.Errorf("no episodes recorded for run %s", id)
	}
	items := make([]EpisodeItem, 0, len(episodes))
	for _, ep := range episodes {
		items = append(items, EpisodeItem{
			Index:      ep.Index,
			Steps:      ep.Steps,
			Reward:     ep.Reward,
			ActorLoss:  ep.ActorLoss,
			CriticLoss: ep.CriticLoss,
			Entropy:    ep.Entropy,
			Diverged:   ep.Diverged,
			DurationMs: ep.DurationMs,
		})
	}
	return id, items, nil
}

// Plot writes the smoothed reward curve for a run as a PNG and returns where
// it landed.
func (c *Client) Plot(ctx context.Context, req PlotRequest) (PlotSummary, error) {
	id, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return PlotSummary{}, err
	}
	history, ok, err := c.store.GetRewardHistory(ctx, id)
	if err != nil {
		return PlotSummary{}, err
	}
	if !ok || len(history) == 0 {
		return PlotSummary{}, fmt.Errorf("no reward history recorded for run %s", id)
	}

	out := req.Out
	if out == "" {
		out = filepath.Join(c.plotsDir, fmt.Sprintf("rewards-%s.png", id))
	}
	window := req.Window
	if window <= 0 {
		window = 10
	}
	if err := stats.WriteRewardPlot(out, history, window); err != nil {
		return PlotSummary{}, err
	}
	return PlotSummary{RunID: id, Path: out, Episodes: len(history)}, nil
}

func (c *Client) resolveRunID(ctx context.Context, runID string, latest bool) (string, error) {
	if runID != "" {
		run, ok, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("unknown run %s", runID)
		}
		return run.ID, nil
	}
	if !latest {
		return "", errors.New("a run id or --latest is required")
	}
	runs, err := c.store.ListRuns(ctx, 1)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.New("no runs recorded")
	}
	return runs[0].ID, nil
}

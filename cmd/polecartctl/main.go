package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"polecart/internal/storage"
	cartapi "polecart/pkg/polecart"
)

const plotsDir = "plots"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "train":
		return runTrain(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "episodes":
		return runEpisodes(ctx, args[1:])
	case "plot":
		return runPlot(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func newClient(storeKind, dbPath string) (*cartapi.Client, error) {
	return cartapi.New(cartapi.Options{
		StoreKind: storeKind,
		DBPath:    dbPath,
		PlotsDir:  plotsDir,
	})
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "polecart.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}
	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "polecart.db", "sqlite database path")
	configPath := fs.String("config", "", "JSON training config file")
	poles := fs.Int("poles", 1, "number of stacked poles")
	episodes := fs.Int("episodes", 100, "episodes to train")
	seed := fs.Int64("seed", 0, "rng seed (0 picks one)")
	hidden := fs.Int("hidden", 0, "hidden layer width (0 uses default)")
	maxSteps := fs.Int("max-episode-steps", 0, "truncate episodes after this many ticks (0 disables)")
	normalize := fs.Bool("normalize-advantages", false, "normalize advantages before the update")
	realtime := fs.Bool("realtime", false, "drive the scheduler from the wall clock")
	duration := fs.Duration("duration", 0, "how long to run in realtime mode")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := cartapi.TrainRequest{
		Poles:               *poles,
		Episodes:            *episodes,
		Seed:                *seed,
		HiddenSize:          *hidden,
		MaxEpisodeSteps:     *maxSteps,
		NormalizeAdvantages: *normalize,
		Realtime:            *realtime,
		Duration:            *duration,
	}
	if *configPath != "" {
		loaded, err := loadTrainRequestFromConfig(*configPath)
		if err != nil {
			return fmt.Errorf("load config %s: %w", *configPath, err)
		}
		req = loaded
	}

	client, err := newClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Train(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("run %s finished\n", summary.RunID)
	fmt.Printf("  poles=%d seed=%d episodes=%d\n", summary.Poles, summary.Seed, summary.Episodes)
	fmt.Printf("  steps=%s best=%.1f mean=%.2f last=%.1f\n",
		humanize.Comma(summary.TotalSteps), summary.BestReward, summary.MeanReward, summary.LastReward)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "polecart.db", "sqlite database path")
	limit := fs.Int("limit", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	runs, err := client.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	for _, r := range runs {
		age := r.CreatedAtUTC
		if ts, err := time.Parse(time.RFC3339, r.CreatedAtUTC); err == nil {
			age = humanize.Time(ts)
		}
		fmt.Printf("%s poles=%d seed=%d episodes=%d steps=%s best=%.1f (%s)\n",
			r.RunID, r.Poles, r.Seed, r.Episodes, humanize.Comma(r.TotalSteps), r.BestReward, age)
	}
	return nil
}

func runEpisodes(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("episodes", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "polecart.db", "sqlite database path")
	runID := fs.String("run", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	id, episodes, err := client.Episodes(ctx, *runID, *latest)
	if err != nil {
		return err
	}
	fmt.Printf("run %s: %d episodes\n", id, len(episodes))
	for _, ep := range episodes {
		status := ""
		if ep.Diverged {
			status = " diverged"
		}
		fmt.Printf("  #%d steps=%d reward=%.1f actor=%.4f critic=%.4f entropy=%.4f%s\n",
			ep.Index, ep.Steps, ep.Reward, ep.ActorLoss, ep.CriticLoss, ep.Entropy, status)
	}
	return nil
}

func runPlot(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plot", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "polecart.db", "sqlite database path")
	runID := fs.String("run", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	window := fs.Int("window", 10, "moving average window")
	out := fs.String("out", "", "output PNG path (defaults under plots/)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Plot(ctx, cartapi.PlotRequest{
		RunID:  *runID,
		Latest: *latest,
		Window: *window,
		Out:    *out,
	})
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d episodes of run %s)\n", summary.Path, summary.Episodes, summary.RunID)
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: polecartctl <init|train|runs|episodes|plot> [flags]", msg)
}

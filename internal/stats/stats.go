// Package stats aggregates per-episode training telemetry into curves and
// summaries for the CLI and plot exports.
package stats

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

type CurvePoint struct {
	Episode int     `json:"episode"`
	Value   float64 `json:"value"`
}

// BuildRewardCurve smooths an episode reward history with a trailing moving
// average of the given window. A window of 1 (or less) returns the raw
// history as points.
func BuildRewardCurve(history []float64, window int) []CurvePoint {
	if window < 1 {
		window = 1
	}
	points := make([]CurvePoint, 0, len(history))
	sum := 0.0
	for i, v := range history {
		sum += v
		if i >= window {
			sum -= history[i-window]
		}
		n := window
		if i+1 < window {
			n = i + 1
		}
		points = append(points, CurvePoint{Episode: i, Value: sum / float64(n)})
	}
	return points
}

type RewardSummary struct {
	Episodes int
	Mean     float64
	Std      float64
	Best     float64
}

func SummarizeRewards(history []float64) RewardSummary {
	s := RewardSummary{Episodes: len(history), Best: math.Inf(-1)}
	if len(history) == 0 {
		s.Best = 0
		return s
	}
	s.Mean = stat.Mean(history, nil)
	if len(history) > 1 {
		s.Std = stat.StdDev(history, nil)
	}
	for _, v := range history {
		if v > s.Best {
			s.Best = v
		}
	}
	return s
}

// WriteRewardPlot renders the raw and smoothed episode reward curves to a PNG.
func WriteRewardPlot(path string, history []float64, window int) error {
	if len(history) == 0 {
		return fmt.Errorf("no episodes to plot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plot directory: %w", err)
	}

	p := plot.New()
	p.Title.Text = "Episode reward"
	p.X.Label.Text = "episode"
	p.Y.Label.Text = "reward"

	raw := make(plotter.XYs, len(history))
	for i, v := range history {
		raw[i].X = float64(i)
		raw[i].Y = v
	}
	rawLine, err := plotter.NewLine(raw)
	if err != nil {
		return fmt.Errorf("build raw line: %w", err)
	}
	rawLine.LineStyle.Width = vg.Points(0.5)

	smoothed := BuildRewardCurve(history, window)
	avg := make(plotter.XYs, len(smoothed))
	for i, pt := range smoothed {
		avg[i].X = float64(pt.Episode)
		avg[i].Y = pt.Value
	}
	avgLine, err := plotter.NewLine(avg)
	if err != nil {
		return fmt.Errorf("build smoothed line: %w", err)
	}
	avgLine.LineStyle.Width = vg.Points(2)

	p.Add(rawLine, avgLine)
	p.Legend.Add("reward", rawLine)
	p.Legend.Add(fmt.Sprintf("avg(%d)", window), avgLine)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

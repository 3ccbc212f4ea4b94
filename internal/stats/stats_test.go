package stats

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildRewardCurveMovingAverage(t *testing.T) {
	history := []float64{1, 3, 5, 7}
	points := BuildRewardCurve(history, 2)
	if len(points) != 4 {
		t.Fatalf("point count: got %d want 4", len(points))
	}
	want := []float64{1, 2, 4, 6}
	for i, w := range want {
		if math.Abs(points[i].Value-w) > 1e-12 {
			t.Fatalf("point %d: got %v want %v", i, points[i].Value, w)
		}
		if points[i].Episode != i {
			t.Fatalf("point %d episode index: got %d", i, points[i].Episode)
		}
	}
}

func TestBuildRewardCurveWindowOne(t *testing.T) {
	history := []float64{2, 4, 8}
	points := BuildRewardCurve(history, 0)
	for i, v := range history {
		if points[i].Value != v {
			t.Fatalf("window<=1 must return raw values, got %v at %d", points[i].Value, i)
		}
	}
}

func TestSummarizeRewards(t *testing.T) {
	s := SummarizeRewards([]float64{10, 20, 30})
	if s.Episodes != 3 {
		t.Fatalf("episodes: got %d want 3", s.Episodes)
	}
	if math.Abs(s.Mean-20) > 1e-12 {
		t.Fatalf("mean: got %v want 20", s.Mean)
	}
	if s.Best != 30 {
		t.Fatalf("best: got %v want 30", s.Best)
	}
	if s.Std <= 0 {
		t.Fatalf("std must be positive, got %v", s.Std)
	}

	empty := SummarizeRewards(nil)
	if empty.Episodes != 0 || empty.Best != 0 {
		t.Fatalf("empty summary: %+v", empty)
	}
}

func TestWriteRewardPlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots", "reward.png")
	history := make([]float64, 30)
	for i := range history {
		history[i] = float64(i % 7)
	}
	if err := WriteRewardPlot(path, history, 5); err != nil {
		t.Fatalf("write plot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat plot: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("plot file is empty")
	}
}

func TestWriteRewardPlotRejectsEmptyHistory(t *testing.T) {
	if err := WriteRewardPlot(filepath.Join(t.TempDir(), "p.png"), nil, 5); err == nil {
		t.Fatal("expected error for empty history")
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTrainRequestFromConfig(t *testing.T) {
	path := writeConfig(t, `{
		"poles": 2,
		"episodes": 50,
		"seed": 9,
		"hidden_size": 32,
		"max_episode_steps": 200,
		"normalize_advantages": true,
		"realtime": true,
		"duration_ms": 1500
	}`)

	req, err := loadTrainRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if req.Poles != 2 || req.Episodes != 50 || req.Seed != 9 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.HiddenSize != 32 || req.MaxEpisodeSteps != 200 {
		t.Fatalf("unexpected model fields: %+v", req)
	}
	if !req.NormalizeAdvantages || !req.Realtime {
		t.Fatalf("unexpected flags: %+v", req)
	}
	if req.Duration != 1500*time.Millisecond {
		t.Fatalf("duration = %v, want 1.5s", req.Duration)
	}
}

func TestLoadTrainRequestIgnoresNonIntegral(t *testing.T) {
	path := writeConfig(t, `{"poles": 2.5, "episodes": 10}`)
	req, err := loadTrainRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if req.Poles != 0 {
		t.Fatalf("poles = %d, want 0 for non-integral value", req.Poles)
	}
	if req.Episodes != 10 {
		t.Fatalf("episodes = %d, want 10", req.Episodes)
	}
}

func TestLoadTrainRequestBadJSON(t *testing.T) {
	path := writeConfig(t, `{`)
	if _, err := loadTrainRequestFromConfig(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestLoadTrainRequestMissingFile(t *testing.T) {
	if _, err := loadTrainRequestFromConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

package main

import (
	"encoding/json"
	"math"
	"os"
	"time"

	cartapi "polecart/pkg/polecart"
)

func loadTrainRequestFromConfig(path string) (cartapi.TrainRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cartapi.TrainRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return cartapi.TrainRequest{}, err
	}

	var req cartapi.TrainRequest
	if v, ok := asInt(raw["poles"]); ok {
		req.Poles = v
	}
	if v, ok := asInt(raw["episodes"]); ok {
		req.Episodes = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asBool(raw["realtime"]); ok {
		req.Realtime = v
	}
	if v, ok := asInt(raw["duration_ms"]); ok {
		req.Duration = time.Duration(v) * time.Millisecond
	}
	if v, ok := asInt(raw["hidden_size"]); ok {
		req.HiddenSize = v
	}
	if v, ok := asInt(raw["max_episode_steps"]); ok {
		req.MaxEpisodeSteps = v
	}
	if v, ok := asBool(raw["normalize_advantages"]); ok {
		req.NormalizeAdvantages = v
	}
	if v, ok := asInt(raw["divergence_warn_streak"]); ok {
		req.DivergenceWarnStreak = v
	}
	return req, nil
}

func asInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func asInt64(v any) (int64, bool) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

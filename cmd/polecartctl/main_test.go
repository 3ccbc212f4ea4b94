package main

import (
	"context"
	"strings"
	"testing"
)

func TestRunRejectsMissingCommand(t *testing.T) {
	err := run(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "missing command") {
		t.Fatalf("err = %v, want missing command", err)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run(context.Background(), []string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v, want unknown command", err)
	}
}

func TestInitMemoryStore(t *testing.T) {
	if err := run(context.Background(), []string{"init", "-store", "memory"}); err != nil {
		t.Fatalf("init: %v", err)
	}
}

func TestTrainMemoryStore(t *testing.T) {
	err := run(context.Background(), []string{
		"train", "-store", "memory",
		"-episodes", "1", "-hidden", "8", "-max-episode-steps", "3", "-seed", "5",
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
}

func TestEpisodesWithoutRunSelector(t *testing.T) {
	err := run(context.Background(), []string{"episodes", "-store", "memory"})
	if err == nil {
		t.Fatal("expected error without run id or -latest")
	}
}

func TestTrainBadConfigPath(t *testing.T) {
	err := run(context.Background(), []string{"train", "-store", "memory", "-config", "does-not-exist.json"})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stellarlinkco/impressiond/internal/config"
)

func TestOnboardCreatesConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := runOnboard(nil, nil); err != nil {
		t.Fatalf("runOnboard: %v", err)
	}
	if _, err := os.Stat(config.ConfigPath()); err != nil {
		t.Fatalf("config not created: %v", err)
	}

	// Second run keeps the existing file.
	before, _ := os.ReadFile(config.ConfigPath())
	if err := runOnboard(nil, nil); err != nil {
		t.Fatalf("second runOnboard: %v", err)
	}
	after, _ := os.ReadFile(config.ConfigPath())
	if string(before) != string(after) {
		t.Fatalf("onboard overwrote an existing config")
	}
}

func TestStatusRuns(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("IMPRESSIOND_DB_PATH", filepath.Join(t.TempDir(), "impressions.db"))

	if err := runStatus(nil, nil); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
}

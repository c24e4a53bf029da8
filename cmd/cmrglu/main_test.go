package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"cmrglu/pkg/config"
)

func TestApplyFitFlags(t *testing.T) {
	cmd := newFitCmd()
	if err := cmd.ParseFlags([]string{"--glucose", "95", "--no-delay", "--beta-one", "0.5,2", "-j", "3", "--out", "subj"}); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Physiology.PieFactor = 4
	applyFitFlags(cmd, cfg)

	if cfg.Physiology.BloodGlucose != 95 {
		t.Errorf("Expected glucose 95, got %f", cfg.Physiology.BloodGlucose)
	}
	if cfg.Processing.Model != config.ModelNoDelay {
		t.Errorf("Expected model %q, got %q", config.ModelNoDelay, cfg.Processing.Model)
	}
	if len(cfg.Bounds.BetaOne) != 2 || cfg.Bounds.BetaOne[1] != 2 {
		t.Errorf("Expected betaOne bounds [0.5 2], got %v", cfg.Bounds.BetaOne)
	}
	if cfg.Processing.NumWorkers != 3 || cfg.Output.Root != "subj" {
		t.Errorf("Expected 3 workers and root subj, got %d and %q", cfg.Processing.NumWorkers, cfg.Output.Root)
	}
	// Flags left unset keep the configured value
	if cfg.Physiology.PieFactor != 4 {
		t.Errorf("Expected pie factor 4 to be kept, got %f", cfg.Physiology.PieFactor)
	}
}

func TestInitConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmrglu.yaml")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"init-config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("init-config failed: %v", err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load written config: %v", err)
	}
	if cfg.Physiology.HalfLife != config.DefaultConfig().Physiology.HalfLife {
		t.Errorf("Expected default half-life, got %f", cfg.Physiology.HalfLife)
	}
}

func TestFitRequiresFiveInputs(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"fit", "pet.nii"})
	if err := root.Execute(); err == nil {
		t.Error("Expected an error for missing inputs")
	}
}

package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("missing config file should not be an error: %v", err)
	}
	if cfg.PeriodCount != 50000 {
		t.Fatalf("expected default period_count, got %d", cfg.PeriodCount)
	}
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.PeriodCount = 123
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PeriodCount != 123 {
		t.Fatalf("expected file override of period_count, got %d", loaded.PeriodCount)
	}
}

func TestEnvironmentOverrideBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.MaxUnitsNum = 4
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	t.Setenv("ART_MAX_UNITS_NUM", "5")
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.MaxUnitsNum != 5 {
		t.Fatalf("expected env override of max_units_num=5, got %d", loaded.MaxUnitsNum)
	}
}

func TestValidateAccumulatesProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FullRate = 2.0
	cfg.ReadyRate = 3.0
	cfg.PeriodCount = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	for _, field := range []string{"full_rate", "ready_rate", "period_count"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("expected the error to report %s among all problems, got %q", field, err.Error())
		}
	}
}

func TestValidateRejectsInvertedUnitBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinUnitsNum = 5
	cfg.MaxUnitsNum = 3
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected min_units_num > max_units_num to fail validation")
	}
}

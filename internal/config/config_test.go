package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ProximityRadiusKm != 20 {
		t.Fatalf("radius default %f", cfg.ProximityRadiusKm)
	}
	if cfg.BackhaulBonus != 100 {
		t.Fatalf("bonus default %f", cfg.BackhaulBonus)
	}
	if cfg.EmissionFactorKgPerKm != 0.1 {
		t.Fatalf("emission default %f", cfg.EmissionFactorKgPerKm)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("proximityRadiusKm: 12\nbackhaulBonus: 50\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PROXIMITY_RADIUS_KM", "7.5")
	cfg := Load()
	if cfg.ProximityRadiusKm != 7.5 {
		t.Fatalf("env should win, got %f", cfg.ProximityRadiusKm)
	}
	if cfg.BackhaulBonus != 50 {
		t.Fatalf("file value lost, got %f", cfg.BackhaulBonus)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.BatchSize != 50 || cfg.Claims.MaxPerIdentity != 10 {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.Sync.JoinDelay() != 2*time.Second {
		t.Fatalf("unexpected join delay: %v", cfg.Sync.JoinDelay())
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "claimsync.yaml")
	raw := `
claims:
  min_size: 3
  max_size: 64
  disabled_worlds: [" the_end ", "nether"]
sync:
  batch_size: 10
worlds:
  overworld:
    spawn_x: 100
    spawn_z: -40
capabilities:
  default: ["claims.create"]
  identities:
    admin-1: ["claims.admin", "claims.unlimited"]
`
	if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CLAIMSYNC_MAX_CLAIMS", "3")
	t.Setenv("CLAIMSYNC_DB_PATH", filepath.Join(dir, "x.db"))

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Claims.MinSize != 3 || cfg.Claims.MaxSize != 64 || cfg.Sync.BatchSize != 10 {
		t.Fatalf("yaml not applied: %#v", cfg.Claims)
	}
	if cfg.Claims.MaxPerIdentity != 3 || cfg.Database.Path != filepath.Join(dir, "x.db") {
		t.Fatalf("env not applied: %#v %#v", cfg.Claims, cfg.Database)
	}
	if !cfg.Claims.IsWorldDisabled("the_end") || cfg.Claims.IsWorldDisabled("overworld") {
		t.Fatalf("disabled worlds not normalized: %v", cfg.Claims.DisabledWorlds)
	}
	if x, z := cfg.Spawn("overworld"); x != 100 || z != -40 {
		t.Fatalf("unexpected spawn: %d,%d", x, z)
	}
	caps := cfg.CapabilityProvider().Capabilities("admin-1")
	if len(caps) != 3 {
		t.Fatalf("unexpected caps: %v", caps)
	}
}

func TestValidateRejectsInvertedSizes(t *testing.T) {
	cfg := Defaults()
	cfg.Claims.MaxSize = 2
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
	cfg = Defaults()
	cfg.Audit.Mirror.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected mirror bucket error")
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "claimsync.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Claims.IsWorldDisabled("the_end") || cfg.Mirror().Enabled {
		t.Fatalf("unexpected shipped config: %#v", cfg)
	}
	if cfg.Capabilities.Identities == nil {
		t.Fatalf("identities map not normalized")
	}
}

// Package config loads server configuration: defaults, then a YAML file,
// then CLAIMSYNC_* environment overrides.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database     DatabaseConfig       `yaml:"database"`
	Claims       ClaimRules           `yaml:"claims"`
	Sync         SyncConfig           `yaml:"sync"`
	Worlds       map[string]WorldSpec `yaml:"worlds"`
	Capabilities CapabilityConfig     `yaml:"capabilities"`
	Audit        AuditConfig          `yaml:"audit"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"CLAIMSYNC_DB_DRIVER"`
	Path   string `yaml:"path" env:"CLAIMSYNC_DB_PATH"`
}

// ClaimRules are the advisory bounds the validator reads.
type ClaimRules struct {
	MinSize               int      `yaml:"min_size" env:"CLAIMSYNC_MIN_CLAIM_SIZE"`
	MaxSize               int      `yaml:"max_size" env:"CLAIMSYNC_MAX_CLAIM_SIZE"`
	MaxPerIdentity        int      `yaml:"max_per_identity" env:"CLAIMSYNC_MAX_CLAIMS"`
	MinDistance           int      `yaml:"min_distance" env:"CLAIMSYNC_MIN_DISTANCE"`
	WorldBorder           int      `yaml:"world_border" env:"CLAIMSYNC_WORLD_BORDER"`
	SpawnProtectionRadius float64  `yaml:"spawn_protection_radius" env:"CLAIMSYNC_SPAWN_PROTECTION"`
	DisabledWorlds        []string `yaml:"disabled_worlds" env:"CLAIMSYNC_DISABLED_WORLDS" envSeparator:","`
}

type SyncConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" env:"CLAIMSYNC_SYNC_INTERVAL"`
	BatchSize       int `yaml:"batch_size" env:"CLAIMSYNC_BATCH_SIZE"`
	BatchDelayMs    int `yaml:"batch_delay_ms"`
	JoinDelayMs     int `yaml:"join_delay_ms"`
	SweepBackoffMs  int `yaml:"sweep_backoff_ms"`
}

func (s SyncConfig) Interval() time.Duration     { return time.Duration(s.IntervalSeconds) * time.Second }
func (s SyncConfig) BatchDelay() time.Duration   { return time.Duration(s.BatchDelayMs) * time.Millisecond }
func (s SyncConfig) JoinDelay() time.Duration    { return time.Duration(s.JoinDelayMs) * time.Millisecond }
func (s SyncConfig) SweepBackoff() time.Duration { return time.Duration(s.SweepBackoffMs) * time.Millisecond }

type WorldSpec struct {
	SpawnX int `yaml:"spawn_x"`
	SpawnZ int `yaml:"spawn_z"`
}

type CapabilityConfig struct {
	Default    []string            `yaml:"default"`
	Identities map[string][]string `yaml:"identities"`
}

type AuditConfig struct {
	Dir    string       `yaml:"dir" env:"CLAIMSYNC_AUDIT_DIR"`
	Mirror MirrorConfig `yaml:"mirror"`
}

type MirrorConfig struct {
	Enabled   bool   `yaml:"enabled" env:"CLAIMSYNC_MIRROR"`
	Bucket    string `yaml:"bucket" env:"CLAIMSYNC_MIRROR_BUCKET"`
	Region    string `yaml:"region" env:"CLAIMSYNC_MIRROR_REGION"`
	Endpoint  string `yaml:"endpoint" env:"CLAIMSYNC_MIRROR_ENDPOINT"`
	Prefix    string `yaml:"prefix" env:"CLAIMSYNC_MIRROR_PREFIX"`
	PathStyle bool   `yaml:"path_style" env:"CLAIMSYNC_MIRROR_PATH_STYLE"`
	Workers   int    `yaml:"workers"`

	// Static keys; empty falls back to the default AWS credential chain.
	AccessKeyID     string `yaml:"-" env:"CLAIMSYNC_MIRROR_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"-" env:"CLAIMSYNC_MIRROR_SECRET_ACCESS_KEY"`
}

func Defaults() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "./data/claims.db"},
		Claims: ClaimRules{
			MinSize:               5,
			MaxSize:               256,
			MaxPerIdentity:        10,
			MinDistance:           5,
			WorldBorder:           29999984,
			SpawnProtectionRadius: 16,
		},
		Sync: SyncConfig{
			IntervalSeconds: 30,
			BatchSize:       50,
			BatchDelayMs:    50,
			JoinDelayMs:     2000,
			SweepBackoffMs:  5000,
		},
		Worlds: map[string]WorldSpec{},
		Capabilities: CapabilityConfig{
			Default:    []string{"claims.create"},
			Identities: map[string][]string{},
		},
		Audit: AuditConfig{Dir: "./data/audit", Mirror: MirrorConfig{Region: "us-east-1", Workers: 2}},
	}
}

// Load reads path over Defaults. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 50
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = 30
	}
	if c.Sync.SweepBackoffMs <= 0 {
		c.Sync.SweepBackoffMs = 5000
	}
	if c.Worlds == nil {
		c.Worlds = map[string]WorldSpec{}
	}
	if c.Capabilities.Identities == nil {
		c.Capabilities.Identities = map[string][]string{}
	}
	dw := c.Claims.DisabledWorlds[:0]
	for _, w := range c.Claims.DisabledWorlds {
		if w = strings.TrimSpace(w); w != "" {
			dw = append(dw, w)
		}
	}
	sort.Strings(dw)
	c.Claims.DisabledWorlds = dw
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
}

func (c Config) Validate() error {
	r := c.Claims
	if r.MinSize <= 0 {
		return fmt.Errorf("claims.min_size must be > 0")
	}
	if r.MaxSize < r.MinSize {
		return fmt.Errorf("claims.max_size %d below min_size %d", r.MaxSize, r.MinSize)
	}
	if r.MaxPerIdentity < 0 || r.MinDistance < 0 || r.WorldBorder <= 0 || r.SpawnProtectionRadius < 0 {
		return fmt.Errorf("claims: negative bound")
	}
	if c.Mirror().Enabled && strings.TrimSpace(c.Mirror().Bucket) == "" {
		return fmt.Errorf("audit.mirror.bucket required when mirror is enabled")
	}
	return nil
}

func (c Config) Mirror() MirrorConfig { return c.Audit.Mirror }

// IsWorldDisabled reports whether claims are disabled in world.
func (r ClaimRules) IsWorldDisabled(world string) bool {
	i := sort.SearchStrings(r.DisabledWorlds, world)
	return i < len(r.DisabledWorlds) && r.DisabledWorlds[i] == world
}

// Spawn returns the spawn point for world, defaulting to the origin.
func (c Config) Spawn(world string) (x, z int) {
	w := c.Worlds[world]
	return w.SpawnX, w.SpawnZ
}

// StaticCapabilities resolves capabilities from the config file.
type StaticCapabilities struct {
	cfg CapabilityConfig
}

func (c Config) CapabilityProvider() StaticCapabilities {
	return StaticCapabilities{cfg: c.Capabilities}
}

func (s StaticCapabilities) Capabilities(identity string) []string {
	out := append([]string(nil), s.cfg.Default...)
	return append(out, s.cfg.Identities[identity]...)
}

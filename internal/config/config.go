// Package config owns the TOML configuration file: loading, defaulting,
// validation, and watching for changes. Engine tunables left at zero are
// resolved by the component that owns them, so their defaults live in one
// place.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/neomorfeo/memberiq/internal/app"
	"github.com/neomorfeo/memberiq/internal/breaker"
	"github.com/neomorfeo/memberiq/internal/domain"
)

// Provider roles decide which activation pool a configured provider joins.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// Config is the resolved runtime configuration.
type Config struct {
	Server     Server
	Database   Database
	Breaker    breaker.Config
	Reconciler Reconciler
	Cache      Cache
	Providers  map[string]Provider
}

type Server struct {
	Host string
	Port int
}

type Database struct {
	Path string
}

// Reconciler collects the reconciliation engine tunables. Zero values
// defer to the store and worker defaults.
type Reconciler struct {
	Interval               time.Duration
	Batch                  int
	Lease                  time.Duration
	WorkerID               string
	MaxAttempts            int
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	RecordTTL              time.Duration
	RetentionSweepInterval time.Duration
}

type Cache struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// Provider is one entry of the provider activation map. Kind selects the
// factory the composition root registers; Role selects the activation
// pool; Spec flows into registry activation untouched.
type Provider struct {
	Kind string
	Role string
	Spec app.ProviderSpec
}

// Default returns the configuration used when no file is given: one
// in-memory directory provider named "dir" acting as primary.
func Default() Config {
	return Config{
		Server:   Server{Host: "0.0.0.0", Port: 8080},
		Database: Database{Path: "memberiq.db"},
		Cache:    Cache{TTL: 10 * time.Minute},
		Providers: map[string]Provider{
			"dir": {Kind: "memdir", Role: RolePrimary},
		},
	}
}

// ListenAddr joins host and port into a dialable address.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Specs flattens the provider map into the activation specs the registry
// consumes.
func (c Config) Specs() map[string]app.ProviderSpec {
	specs := make(map[string]app.ProviderSpec, len(c.Providers))
	for name, p := range c.Providers {
		specs[name] = p.Spec
	}
	return specs
}

// Validate rejects configurations the registry would only discover at
// activation time, plus plain nonsense like an out-of-range port.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	primaryCapable := false
	for name, p := range c.Providers {
		switch p.Role {
		case RolePrimary, RoleSecondary:
		default:
			return fmt.Errorf("provider %q: unknown role %q", name, p.Role)
		}
		if p.Kind == "" {
			return fmt.Errorf("provider %q: kind must not be empty", name)
		}
		if p.Role == RolePrimary && (p.Spec.Enabled == nil || *p.Spec.Enabled) {
			primaryCapable = true
		}
	}
	if !primaryCapable {
		return fmt.Errorf("no enabled provider carries role %q", RolePrimary)
	}
	return nil
}

// Load reads the TOML file at path over the defaults. An empty path skips
// the file and returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg.apply(raw)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// fileConfig mirrors the TOML document. Durations are plain integer
// seconds so the file stays free of unit suffixes.
type fileConfig struct {
	Server     serverSection              `toml:"server"`
	Database   databaseSection            `toml:"database"`
	Breaker    breakerSection             `toml:"breaker"`
	Reconciler reconcilerSection          `toml:"reconciler"`
	Cache      cacheSection               `toml:"cache"`
	Providers  map[string]providerSection `toml:"providers"`
}

type serverSection struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type databaseSection struct {
	Path string `toml:"path"`
}

type breakerSection struct {
	FailureThreshold int `toml:"failure_threshold"`
	TimeoutSeconds   int `toml:"timeout_seconds"`
	HalfOpenMaxCalls int `toml:"half_open_max_calls"`
}

type reconcilerSection struct {
	IntervalSeconds       int    `toml:"interval_seconds"`
	Batch                 int    `toml:"batch"`
	LeaseSeconds          int    `toml:"lease_seconds"`
	WorkerID              string `toml:"worker_id"`
	MaxAttempts           int    `toml:"max_attempts"`
	BaseDelaySeconds      int    `toml:"base_delay_seconds"`
	MaxDelaySeconds       int    `toml:"max_delay_seconds"`
	RecordTTLSeconds      int    `toml:"record_ttl_seconds"`
	RetentionSweepSeconds int    `toml:"retention_sweep_seconds"`
}

type cacheSection struct {
	TTLSeconds           int `toml:"ttl_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

type providerSection struct {
	Kind         string               `toml:"kind"`
	Role         string               `toml:"role"`
	Enabled      *bool                `toml:"enabled"`
	Prefix       string               `toml:"prefix"`
	Capabilities *capabilitiesSection `toml:"capabilities"`
	Settings     map[string]any       `toml:"settings"`
}

type capabilitiesSection struct {
	IsPrimary                *bool `toml:"is_primary"`
	SupportsMemberManagement *bool `toml:"supports_member_management"`
	ProvidesRoleInfo         *bool `toml:"provides_role_info"`
	SupportsBatchOperations  *bool `toml:"supports_batch_operations"`
	MaxBatchSize             *int  `toml:"max_batch_size"`
}

func (c *Config) apply(raw fileConfig) {
	if raw.Server.Host != "" {
		c.Server.Host = raw.Server.Host
	}
	if raw.Server.Port != 0 {
		c.Server.Port = raw.Server.Port
	}
	if raw.Database.Path != "" {
		c.Database.Path = raw.Database.Path
	}

	c.Breaker = breaker.Config{
		FailureThreshold: raw.Breaker.FailureThreshold,
		Timeout:          seconds(raw.Breaker.TimeoutSeconds),
		HalfOpenMaxCalls: raw.Breaker.HalfOpenMaxCalls,
	}

	c.Reconciler = Reconciler{
		Interval:               seconds(raw.Reconciler.IntervalSeconds),
		Batch:                  raw.Reconciler.Batch,
		Lease:                  seconds(raw.Reconciler.LeaseSeconds),
		WorkerID:               raw.Reconciler.WorkerID,
		MaxAttempts:            raw.Reconciler.MaxAttempts,
		BaseDelay:              seconds(raw.Reconciler.BaseDelaySeconds),
		MaxDelay:               seconds(raw.Reconciler.MaxDelaySeconds),
		RecordTTL:              seconds(raw.Reconciler.RecordTTLSeconds),
		RetentionSweepInterval: seconds(raw.Reconciler.RetentionSweepSeconds),
	}

	if raw.Cache.TTLSeconds != 0 {
		c.Cache.TTL = seconds(raw.Cache.TTLSeconds)
	}
	c.Cache.SweepInterval = seconds(raw.Cache.SweepIntervalSeconds)

	if len(raw.Providers) == 0 {
		return
	}
	c.Providers = make(map[string]Provider, len(raw.Providers))
	for name, p := range raw.Providers {
		c.Providers[name] = Provider{
			Kind: defaultString(p.Kind, "memdir"),
			Role: defaultString(p.Role, RolePrimary),
			Spec: app.ProviderSpec{
				Enabled:      p.Enabled,
				Prefix:       p.Prefix,
				Capabilities: p.Capabilities.toOverride(),
				Settings:     p.Settings,
			},
		}
	}
}

func (s *capabilitiesSection) toOverride() *domain.CapabilityOverride {
	if s == nil {
		return nil
	}
	return &domain.CapabilityOverride{
		IsPrimary:                s.IsPrimary,
		SupportsMemberManagement: s.SupportsMemberManagement,
		ProvidesRoleInfo:         s.ProvidesRoleInfo,
		SupportsBatchOperations:  s.SupportsBatchOperations,
		MaxBatchSize:             s.MaxBatchSize,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

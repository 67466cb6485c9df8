package config_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/neomorfeo/memberiq/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := t.TempDir() + "/memberiq.toml"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := config.Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Path != "memberiq.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "memberiq.db")
	}
	if cfg.Cache.TTL != 10*time.Minute {
		t.Errorf("Cache.TTL = %v, want 10m", cfg.Cache.TTL)
	}

	p, ok := cfg.Providers["dir"]
	if !ok {
		t.Fatal("default config should configure provider \"dir\"")
	}
	if p.Kind != "memdir" || p.Role != config.RolePrimary {
		t.Errorf("provider dir = kind %q role %q, want memdir primary", p.Kind, p.Role)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9090

[database]
path = "/var/lib/memberiq/queue.db"

[breaker]
failure_threshold = 3
timeout_seconds = 45
half_open_max_calls = 2

[reconciler]
interval_seconds = 15
batch = 50
lease_seconds = 120
worker_id = "worker-a"
max_attempts = 5
base_delay_seconds = 30
max_delay_seconds = 1800
record_ttl_seconds = 86400
retention_sweep_seconds = 3600

[cache]
ttl_seconds = 300
sweep_interval_seconds = 60

[providers.ldap]
kind = "memdir"
role = "primary"

[providers.mirror]
kind = "memdir"
role = "secondary"
prefix = "corp-mirror"

[providers.mirror.capabilities]
supports_batch_operations = true
max_batch_size = 25

[providers.legacy]
kind = "memdir"
role = "secondary"
enabled = false
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Errorf("Server = %+v, want 127.0.0.1:9090", cfg.Server)
	}
	if cfg.ListenAddr() != "127.0.0.1:9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr(), "127.0.0.1:9090")
	}
	if cfg.Database.Path != "/var/lib/memberiq/queue.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}

	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("Breaker.FailureThreshold = %d, want 3", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.Timeout != 45*time.Second {
		t.Errorf("Breaker.Timeout = %v, want 45s", cfg.Breaker.Timeout)
	}
	if cfg.Breaker.HalfOpenMaxCalls != 2 {
		t.Errorf("Breaker.HalfOpenMaxCalls = %d, want 2", cfg.Breaker.HalfOpenMaxCalls)
	}

	rec := cfg.Reconciler
	if rec.Interval != 15*time.Second || rec.Batch != 50 || rec.Lease != 2*time.Minute {
		t.Errorf("Reconciler = %+v", rec)
	}
	if rec.WorkerID != "worker-a" || rec.MaxAttempts != 5 {
		t.Errorf("Reconciler identity = %q attempts %d", rec.WorkerID, rec.MaxAttempts)
	}
	if rec.BaseDelay != 30*time.Second || rec.MaxDelay != 30*time.Minute {
		t.Errorf("Reconciler backoff = %v / %v", rec.BaseDelay, rec.MaxDelay)
	}
	if rec.RecordTTL != 24*time.Hour || rec.RetentionSweepInterval != time.Hour {
		t.Errorf("Reconciler retention = %v / %v", rec.RecordTTL, rec.RetentionSweepInterval)
	}

	if cfg.Cache.TTL != 5*time.Minute || cfg.Cache.SweepInterval != time.Minute {
		t.Errorf("Cache = %+v", cfg.Cache)
	}

	if len(cfg.Providers) != 3 {
		t.Fatalf("got %d providers, want 3", len(cfg.Providers))
	}

	ldap := cfg.Providers["ldap"]
	if ldap.Role != config.RolePrimary || ldap.Kind != "memdir" {
		t.Errorf("ldap = %+v", ldap)
	}

	mirror := cfg.Providers["mirror"]
	if mirror.Role != config.RoleSecondary {
		t.Errorf("mirror.Role = %q, want secondary", mirror.Role)
	}
	if mirror.Spec.Prefix != "corp-mirror" {
		t.Errorf("mirror.Spec.Prefix = %q, want corp-mirror", mirror.Spec.Prefix)
	}
	caps := mirror.Spec.Capabilities
	if caps == nil || caps.SupportsBatchOperations == nil || !*caps.SupportsBatchOperations {
		t.Errorf("mirror capabilities = %+v, want batch support", caps)
	}
	if caps.MaxBatchSize == nil || *caps.MaxBatchSize != 25 {
		t.Errorf("mirror MaxBatchSize = %v, want 25", caps.MaxBatchSize)
	}

	legacy := cfg.Providers["legacy"]
	if legacy.Spec.Enabled == nil || *legacy.Spec.Enabled {
		t.Errorf("legacy.Spec.Enabled = %v, want false", legacy.Spec.Enabled)
	}
}

func TestLoad_ProviderSettingsPassThrough(t *testing.T) {
	path := writeConfig(t, `
[providers.dir]
kind = "memdir"
role = "primary"

[providers.dir.settings]
region = "eu-west-1"

[providers.dir.settings.groups]
eng = ["ada@example.com"]
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	settings := cfg.Providers["dir"].Spec.Settings
	if settings["region"] != "eu-west-1" {
		t.Errorf("settings[region] = %v, want eu-west-1", settings["region"])
	}
	if _, ok := settings["groups"]; !ok {
		t.Error("settings[groups] missing")
	}
}

func TestLoad_KindAndRoleDefaults(t *testing.T) {
	path := writeConfig(t, `
[providers.dir]
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := cfg.Providers["dir"]
	if p.Kind != "memdir" {
		t.Errorf("Kind = %q, want memdir", p.Kind)
	}
	if p.Role != config.RolePrimary {
		t.Errorf("Role = %q, want primary", p.Role)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/memberiq.toml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, `[server`)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for malformed file, got nil")
	}
}

func TestLoad_RejectsBadPort(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 70000
`)

	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("err = %v, want out-of-range port error", err)
	}
}

func TestLoad_RejectsUnknownRole(t *testing.T) {
	path := writeConfig(t, `
[providers.dir]
role = "observer"
`)

	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Fatalf("err = %v, want unknown-role error", err)
	}
}

func TestLoad_RejectsMissingPrimary(t *testing.T) {
	path := writeConfig(t, `
[providers.mirror]
role = "secondary"
`)

	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "role \"primary\"") {
		t.Fatalf("err = %v, want missing-primary error", err)
	}
}

func TestLoad_RejectsDisabledPrimary(t *testing.T) {
	path := writeConfig(t, `
[providers.dir]
role = "primary"
enabled = false

[providers.mirror]
role = "secondary"
`)

	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "role \"primary\"") {
		t.Fatalf("err = %v, want missing-primary error", err)
	}
}

func TestSpecs(t *testing.T) {
	path := writeConfig(t, `
[providers.dir]
role = "primary"
prefix = "corp"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	specs := cfg.Specs()
	if len(specs) != 1 {
		t.Fatalf("got %d specs, want 1", len(specs))
	}
	if specs["dir"].Prefix != "corp" {
		t.Errorf("Prefix = %q, want corp", specs["dir"].Prefix)
	}
}

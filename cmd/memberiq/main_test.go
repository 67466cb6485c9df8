package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	handler "github.com/neomorfeo/memberiq/internal/adapter/http"
	"github.com/neomorfeo/memberiq/internal/adapter/memdir"
	"github.com/neomorfeo/memberiq/internal/adapter/memory"
	"github.com/neomorfeo/memberiq/internal/app"
	"github.com/neomorfeo/memberiq/internal/breaker"
	"github.com/neomorfeo/memberiq/internal/config"
	"github.com/neomorfeo/memberiq/internal/domain"
)

// testPublisher is a local EventPublisher for the smoke test.
// The smoke test verifies HTTP wiring, not River.
type testPublisher struct{}

func (p *testPublisher) Publish(_ context.Context, _ domain.MembershipEvent) error {
	return nil
}

func TestFactoryFor_Memdir(t *testing.T) {
	factory, err := factoryFor("dir", config.Provider{Kind: "memdir", Role: config.RolePrimary})
	if err != nil {
		t.Fatalf("factoryFor: %v", err)
	}

	p, err := factory(app.ProviderSpec{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if p == nil {
		t.Fatal("factory returned nil provider")
	}
	if !p.Capabilities().SupportsMemberManagement {
		t.Error("memdir provider should support member management")
	}
}

func TestFactoryFor_UnknownKind(t *testing.T) {
	_, err := factoryFor("dir", config.Provider{Kind: "ldap"})
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("err = %v, want unknown-kind error", err)
	}
}

// TestSmoke wires the HTTP stack like main() and verifies it responds.
func TestSmoke(t *testing.T) {
	dir := memdir.New()
	dir.SeedGroup("eng", "ada@example.com")

	registry := app.NewRegistry(breaker.Config{})
	if err := registry.RegisterPrimary("dir", func(app.ProviderSpec) (domain.Provider, error) {
		return dir, nil
	}); err != nil {
		t.Fatalf("RegisterPrimary: %v", err)
	}
	if err := registry.Activate(map[string]app.ProviderSpec{"dir": {}}); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	svc := app.NewMembershipService(registry, memory.NewStore(memory.StoreConfig{}),
		memory.NewResponseCache(), &testPublisher{}, time.Hour)

	router := chi.NewMux()
	api := humachi.New(router, huma.DefaultConfig("memberiq", "0.1.0"))
	handler.Register(api, svc)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/api/v1/groups", nil)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/v1/groups failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var groups []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(groups) != 1 {
		t.Errorf("got %d groups, want 1", len(groups))
	}
}

// discardStdout routes the OTel stdout exporter's output to /dev/null for
// the duration of the test.
func discardStdout(t *testing.T) {
	t.Helper()

	origStdout := os.Stdout
	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening %s: %v", os.DevNull, err)
	}
	os.Stdout = devNull
	t.Cleanup(func() {
		os.Stdout = origStdout
		devNull.Close()
	})
}

// TestRun exercises the real run() function end-to-end: config file, OTel,
// River, provider activation, HTTP server, and graceful shutdown.
func TestRun(t *testing.T) {
	cfgPath := t.TempDir() + "/memberiq.toml"
	if err := os.WriteFile(cfgPath, []byte(`
[providers.dir]
kind = "memdir"
role = "primary"

[providers.dir.settings.groups]
eng = ["ada@example.com"]
`), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	t.Setenv("CONFIG_PATH", cfgPath)
	t.Setenv("DATABASE_PATH", t.TempDir()+"/test-run.db")
	t.Setenv("PORT", "19894")
	t.Setenv("OTEL_EXPORTER", "stdout")
	t.Setenv("OTEL_ENVIRONMENT", "test")
	discardStdout(t)

	errCh := make(chan error, 1)
	go func() { errCh <- run() }()

	// Wait for the HTTP server to become ready.
	serverURL := "http://localhost:19894"
	ready := false
	for i := 0; i < 50; i++ {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, serverURL+"/api/v1/health", nil)
		resp, reqErr := http.DefaultClient.Do(req)
		if reqErr == nil {
			resp.Body.Close()
			ready = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !ready {
		t.Fatal("server did not start within 5 seconds")
	}

	// The configured group must be served.
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, serverURL+"/api/v1/groups", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/v1/groups failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var groups []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if len(groups) != 1 || groups[0]["id"] != "eng" {
		t.Errorf("groups = %v, want [eng]", groups)
	}

	// Send SIGINT to trigger graceful shutdown.
	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("finding process: %v", err)
	}
	if err := proc.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("sending SIGINT: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run() returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not exit within 10 seconds")
	}
}

// TestRun_InvalidDB verifies run() returns an error for an invalid database path.
func TestRun_InvalidDB(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("DATABASE_PATH", "/nonexistent/path/db.sqlite")
	t.Setenv("PORT", "19895")
	t.Setenv("OTEL_EXPORTER", "stdout")
	t.Setenv("OTEL_ENVIRONMENT", "test")
	discardStdout(t)

	if err := run(); err == nil {
		t.Fatal("expected error for invalid database path, got nil")
	}
}

// TestRun_InvalidConfig verifies run() rejects a malformed config file.
func TestRun_InvalidConfig(t *testing.T) {
	cfgPath := t.TempDir() + "/memberiq.toml"
	if err := os.WriteFile(cfgPath, []byte(`[server`), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	t.Setenv("CONFIG_PATH", cfgPath)
	t.Setenv("PORT", "19896")

	if err := run(); err == nil {
		t.Fatal("expected error for malformed config, got nil")
	}
}

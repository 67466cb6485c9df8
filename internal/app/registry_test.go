package app_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/neomorfeo/memberiq/internal/adapter/memdir"
	"github.com/neomorfeo/memberiq/internal/app"
	"github.com/neomorfeo/memberiq/internal/breaker"
	"github.com/neomorfeo/memberiq/internal/domain"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

// dirFactory builds in-memory directory providers for registry tests.
func dirFactory() app.Factory {
	return func(app.ProviderSpec) (domain.Provider, error) {
		return memdir.New(), nil
	}
}

func failingFactory(msg string) app.Factory {
	return func(app.ProviderSpec) (domain.Provider, error) {
		return nil, errors.New(msg)
	}
}

func newRegistry(t *testing.T) *app.Registry {
	t.Helper()
	return app.NewRegistry(breaker.Config{})
}

func TestActivate_AutoElectsSoleCandidate(t *testing.T) {
	r := newRegistry(t)
	if err := r.RegisterPrimary("dir", dirFactory()); err != nil {
		t.Fatalf("RegisterPrimary: %v", err)
	}

	if err := r.Activate(nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	primary, err := r.Primary()
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}
	if primary.Name != "dir" {
		t.Errorf("primary name = %q, want %q", primary.Name, "dir")
	}
	if !primary.Capabilities.IsPrimary {
		t.Error("elected primary should carry the primary capability flag")
	}
	if got := len(r.Secondaries()); got != 0 {
		t.Errorf("secondaries = %d, want 0", got)
	}
}

func TestActivate_MarkedPrimaryWins(t *testing.T) {
	r := newRegistry(t)
	for _, name := range []string{"alpha", "beta"} {
		if err := r.RegisterPrimary(name, dirFactory()); err != nil {
			t.Fatalf("RegisterPrimary(%q): %v", name, err)
		}
	}

	specs := map[string]app.ProviderSpec{
		"beta": {Capabilities: &domain.CapabilityOverride{IsPrimary: boolPtr(true)}},
	}
	if err := r.Activate(specs); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	primary, err := r.Primary()
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}
	if primary.Name != "beta" {
		t.Errorf("primary name = %q, want %q", primary.Name, "beta")
	}

	secs := r.Secondaries()
	if len(secs) != 1 || secs[0].Name != "alpha" {
		t.Fatalf("secondaries = %v, want [alpha]", secNames(secs))
	}
	if secs[0].Capabilities.IsPrimary {
		t.Error("secondary must not carry the primary capability flag")
	}
}

func TestActivate_MultipleMarkedPrimariesFails(t *testing.T) {
	r := newRegistry(t)
	for _, name := range []string{"alpha", "beta"} {
		if err := r.RegisterPrimary(name, dirFactory()); err != nil {
			t.Fatalf("RegisterPrimary(%q): %v", name, err)
		}
	}

	mark := &domain.CapabilityOverride{IsPrimary: boolPtr(true)}
	err := r.Activate(map[string]app.ProviderSpec{
		"alpha": {Capabilities: mark},
		"beta":  {Capabilities: mark},
	})

	var actErr *domain.ActivationError
	if !errors.As(err, &actErr) {
		t.Fatalf("Activate error = %v, want ActivationError", err)
	}
	if !strings.Contains(actErr.Reason, "multiple providers marked primary") {
		t.Errorf("reason = %q, want mention of multiple marked primaries", actErr.Reason)
	}
}

func TestActivate_AmbiguousUnmarkedFails(t *testing.T) {
	r := newRegistry(t)
	for _, name := range []string{"alpha", "beta"} {
		if err := r.RegisterPrimary(name, dirFactory()); err != nil {
			t.Fatalf("RegisterPrimary(%q): %v", name, err)
		}
	}

	err := r.Activate(nil)
	var actErr *domain.ActivationError
	if !errors.As(err, &actErr) {
		t.Fatalf("Activate error = %v, want ActivationError", err)
	}
	if !strings.Contains(actErr.Reason, "none marked is_primary") {
		t.Errorf("reason = %q, want mention of unmarked ambiguity", actErr.Reason)
	}
}

func TestActivate_NoPrimaryCapableFails(t *testing.T) {
	r := newRegistry(t)
	if err := r.RegisterSecondary("mirror", dirFactory()); err != nil {
		t.Fatalf("RegisterSecondary: %v", err)
	}

	err := r.Activate(nil)
	var actErr *domain.ActivationError
	if !errors.As(err, &actErr) {
		t.Fatalf("Activate error = %v, want ActivationError", err)
	}
	if !strings.Contains(actErr.Reason, "no enabled primary-capable provider") {
		t.Errorf("reason = %q, want no-primary-capable reason", actErr.Reason)
	}
}

func TestActivate_PrimaryNeedsRoleInfo(t *testing.T) {
	r := newRegistry(t)
	if err := r.RegisterPrimary("dir", dirFactory()); err != nil {
		t.Fatalf("RegisterPrimary: %v", err)
	}

	err := r.Activate(map[string]app.ProviderSpec{
		"dir": {Capabilities: &domain.CapabilityOverride{
			IsPrimary:        boolPtr(true),
			ProvidesRoleInfo: boolPtr(false),
		}},
	})

	var actErr *domain.ActivationError
	if !errors.As(err, &actErr) {
		t.Fatalf("Activate error = %v, want ActivationError", err)
	}
	if !strings.Contains(actErr.Reason, "does not provide role information") {
		t.Errorf("reason = %q, want role-info reason", actErr.Reason)
	}
}

func TestActivate_DisabledProviderSkipped(t *testing.T) {
	r := newRegistry(t)
	for _, name := range []string{"alpha", "beta"} {
		if err := r.RegisterPrimary(name, dirFactory()); err != nil {
			t.Fatalf("RegisterPrimary(%q): %v", name, err)
		}
	}

	// Disabling one of two candidates resolves the election by itself.
	err := r.Activate(map[string]app.ProviderSpec{
		"alpha": {Enabled: boolPtr(false)},
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	primary, err := r.Primary()
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}
	if primary.Name != "beta" {
		t.Errorf("primary name = %q, want %q", primary.Name, "beta")
	}
	if _, err := r.Provider("alpha"); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("Provider(alpha) error = %v, want ErrProviderNotFound", err)
	}
}

func TestActivate_PrefixRenames(t *testing.T) {
	r := newRegistry(t)
	if err := r.RegisterPrimary("dir", dirFactory()); err != nil {
		t.Fatalf("RegisterPrimary: %v", err)
	}
	if err := r.RegisterSecondary("mirror", dirFactory()); err != nil {
		t.Fatalf("RegisterSecondary: %v", err)
	}

	err := r.Activate(map[string]app.ProviderSpec{
		"mirror": {Prefix: "corp-mirror"},
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if _, err := r.Provider("corp-mirror"); err != nil {
		t.Errorf("Provider(corp-mirror): %v", err)
	}
	if _, err := r.Provider("mirror"); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("Provider(mirror) error = %v, want ErrProviderNotFound", err)
	}
}

func TestActivate_PrefixCollisionFails(t *testing.T) {
	r := newRegistry(t)
	if err := r.RegisterPrimary("dir", dirFactory()); err != nil {
		t.Fatalf("RegisterPrimary: %v", err)
	}
	if err := r.RegisterSecondary("mirror", dirFactory()); err != nil {
		t.Fatalf("RegisterSecondary: %v", err)
	}

	err := r.Activate(map[string]app.ProviderSpec{
		"mirror": {Prefix: "dir"},
	})

	var actErr *domain.ActivationError
	if !errors.As(err, &actErr) {
		t.Fatalf("Activate error = %v, want ActivationError", err)
	}
	if !strings.Contains(actErr.Reason, "not unique") {
		t.Errorf("reason = %q, want uniqueness reason", actErr.Reason)
	}
}

func TestActivate_FailureKeepsPriorSet(t *testing.T) {
	r := newRegistry(t)
	for _, name := range []string{"alpha", "beta"} {
		if err := r.RegisterPrimary(name, dirFactory()); err != nil {
			t.Fatalf("RegisterPrimary(%q): %v", name, err)
		}
	}

	good := map[string]app.ProviderSpec{
		"alpha": {Capabilities: &domain.CapabilityOverride{IsPrimary: boolPtr(true)}},
	}
	if err := r.Activate(good); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Reload with an unresolvable election.
	if err := r.Activate(nil); err == nil {
		t.Fatal("expected second Activate to fail")
	}

	primary, err := r.Primary()
	if err != nil {
		t.Fatalf("Primary after failed reload: %v", err)
	}
	if primary.Name != "alpha" {
		t.Errorf("primary name = %q, want %q (prior set preserved)", primary.Name, "alpha")
	}
	if secs := r.Secondaries(); len(secs) != 1 || secs[0].Name != "beta" {
		t.Errorf("secondaries = %v, want [beta]", secNames(secs))
	}
}

func TestActivate_FactoryErrorPropagates(t *testing.T) {
	r := newRegistry(t)
	if err := r.RegisterPrimary("dir", failingFactory("bad credentials")); err != nil {
		t.Fatalf("RegisterPrimary: %v", err)
	}

	err := r.Activate(nil)
	if err == nil || !strings.Contains(err.Error(), `constructing provider "dir"`) {
		t.Fatalf("Activate error = %v, want construction error", err)
	}
	if !strings.Contains(err.Error(), "bad credentials") {
		t.Errorf("error = %v, want wrapped factory cause", err)
	}
}

func TestRegister_DuplicateNameRejected(t *testing.T) {
	r := newRegistry(t)
	if err := r.RegisterPrimary("dir", dirFactory()); err != nil {
		t.Fatalf("RegisterPrimary: %v", err)
	}

	err := r.RegisterSecondary("dir", dirFactory())
	var dup *domain.DuplicateProviderError
	if !errors.As(err, &dup) {
		t.Fatalf("RegisterSecondary error = %v, want DuplicateProviderError", err)
	}
	if dup.Name != "dir" {
		t.Errorf("duplicate name = %q, want %q", dup.Name, "dir")
	}
}

func TestRegistry_BeforeActivation(t *testing.T) {
	r := newRegistry(t)

	if _, err := r.Primary(); !errors.Is(err, domain.ErrNotActivated) {
		t.Errorf("Primary error = %v, want ErrNotActivated", err)
	}
	if _, err := r.Provider("dir"); !errors.Is(err, domain.ErrNotActivated) {
		t.Errorf("Provider error = %v, want ErrNotActivated", err)
	}
	if got := r.Active(); len(got) != 0 {
		t.Errorf("Active() = %d providers, want 0", len(got))
	}
}

func TestActivate_CapabilityOverrideMerges(t *testing.T) {
	r := newRegistry(t)
	if err := r.RegisterPrimary("dir", dirFactory()); err != nil {
		t.Fatalf("RegisterPrimary: %v", err)
	}

	err := r.Activate(map[string]app.ProviderSpec{
		"dir": {Capabilities: &domain.CapabilityOverride{
			SupportsBatchOperations: boolPtr(true),
			MaxBatchSize:            intPtr(50),
		}},
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	primary, err := r.Primary()
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}
	caps := primary.Capabilities
	if !caps.SupportsBatchOperations || caps.MaxBatchSize != 50 {
		t.Errorf("capabilities = %+v, want batch override applied", caps)
	}
	if !caps.SupportsMemberManagement {
		t.Error("declared capability lost during merge")
	}
}

func TestRegistry_ActiveOrdersPrimaryFirst(t *testing.T) {
	r := newRegistry(t)
	if err := r.RegisterPrimary("dir", dirFactory()); err != nil {
		t.Fatalf("RegisterPrimary: %v", err)
	}
	for _, name := range []string{"zeta", "echo"} {
		if err := r.RegisterSecondary(name, dirFactory()); err != nil {
			t.Fatalf("RegisterSecondary(%q): %v", name, err)
		}
	}

	if err := r.Activate(nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	got := make([]string, 0, 3)
	for _, p := range r.Active() {
		got = append(got, p.Name)
	}
	want := []string{"dir", "echo", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("Active() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Active() = %v, want %v", got, want)
		}
	}
}

func TestResetBreaker_UnknownProvider(t *testing.T) {
	r := newRegistry(t)
	if err := r.RegisterPrimary("dir", dirFactory()); err != nil {
		t.Fatalf("RegisterPrimary: %v", err)
	}
	if err := r.Activate(nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if err := r.ResetBreaker("dir"); err != nil {
		t.Errorf("ResetBreaker(dir): %v", err)
	}
	if err := r.ResetBreaker("ghost"); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("ResetBreaker(ghost) error = %v, want ErrProviderNotFound", err)
	}
}

func secNames(secs []*app.ActiveProvider) []string {
	out := make([]string, 0, len(secs))
	for _, s := range secs {
		out = append(out, s.Name)
	}
	return out
}

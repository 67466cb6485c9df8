package app

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/neomorfeo/memberiq/internal/breaker"
	"github.com/neomorfeo/memberiq/internal/domain"
)

// Factory constructs a provider instance from its activation spec. The
// spec's Settings table is the factory's configuration sub-object.
type Factory func(spec ProviderSpec) (domain.Provider, error)

// ProviderSpec is the configuration consumed for one provider during
// activation. The zero value means enabled with declared defaults.
type ProviderSpec struct {
	// Enabled defaults to true when nil.
	Enabled *bool
	// Prefix overrides the registration name of the active provider.
	Prefix string
	// Capabilities overrides individual declared capability defaults.
	Capabilities *domain.CapabilityOverride
	// Settings is passed verbatim to the factory.
	Settings map[string]any
}

func (s ProviderSpec) enabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ActiveProvider couples a constructed provider with its active name,
// merged capabilities, and dedicated circuit breaker. The Provider field
// is already breaker-guarded.
type ActiveProvider struct {
	Name         string
	Provider     domain.Provider
	Capabilities domain.Capabilities
	Breaker      *breaker.Breaker
}

// Registry holds the discovered provider factories and, after Activate,
// the single active primary plus the active secondaries. It replaces any
// notion of process-global provider state; the composition root owns one
// instance.
type Registry struct {
	breakerCfg breaker.Config

	mu                 sync.RWMutex
	primaryFactories   map[string]Factory
	secondaryFactories map[string]Factory
	primary            *ActiveProvider
	secondaries        map[string]*ActiveProvider
}

// NewRegistry creates an empty registry. Every activated provider gets a
// breaker built from breakerCfg.
func NewRegistry(breakerCfg breaker.Config) *Registry {
	return &Registry{
		breakerCfg:         breakerCfg,
		primaryFactories:   make(map[string]Factory),
		secondaryFactories: make(map[string]Factory),
		secondaries:        make(map[string]*ActiveProvider),
	}
}

// RegisterPrimary adds a primary-capable provider factory. Names are
// unique across both discovery maps.
func (r *Registry) RegisterPrimary(name string, f Factory) error {
	return r.register(name, f, true)
}

// RegisterSecondary adds a secondary-only provider factory.
func (r *Registry) RegisterSecondary(name string, f Factory) error {
	return r.register(name, f, false)
}

func (r *Registry) register(name string, f Factory, primaryCapable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.primaryFactories[name]; dup {
		return &domain.DuplicateProviderError{Name: name}
	}
	if _, dup := r.secondaryFactories[name]; dup {
		return &domain.DuplicateProviderError{Name: name}
	}

	if primaryCapable {
		r.primaryFactories[name] = f
	} else {
		r.secondaryFactories[name] = f
	}
	return nil
}

type candidate struct {
	name           string
	provider       domain.Provider
	caps           domain.Capabilities
	primaryCapable bool
}

// Activate performs the single-pass activation: instantiate every enabled
// factory with its spec, merge capability overrides, elect the primary,
// and wire a circuit breaker around each active provider. Registered names
// absent from specs activate with their declared defaults. On any error
// the previously active set stays in place; on success it is replaced
// wholesale.
func (r *Registry) Activate(specs map[string]ProviderSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates, err := r.buildCandidates(specs)
	if err != nil {
		return err
	}

	elected, err := electPrimary(candidates)
	if err != nil {
		return err
	}

	primary := activate(elected, r.breakerCfg)
	secondaries := make(map[string]*ActiveProvider)
	for _, c := range candidates {
		if c.name == elected.name {
			continue
		}
		// Exactly one active provider carries the primary flag.
		c.caps.IsPrimary = false
		secondaries[c.name] = activate(c, r.breakerCfg)
	}

	r.primary = primary
	r.secondaries = secondaries

	slog.Info("provider registry activated",
		"primary", primary.Name,
		"secondaries", len(secondaries),
	)
	return nil
}

// buildCandidates must be called with the lock held.
func (r *Registry) buildCandidates(specs map[string]ProviderSpec) ([]candidate, error) {
	var candidates []candidate
	seen := make(map[string]bool)

	instantiate := func(regName string, f Factory, primaryCapable bool) error {
		spec := specs[regName]
		if !spec.enabled() {
			return nil
		}

		p, err := f(spec)
		if err != nil {
			return fmt.Errorf("constructing provider %q: %w", regName, err)
		}

		name := regName
		if spec.Prefix != "" {
			name = spec.Prefix
		}
		if seen[name] {
			return &domain.ActivationError{
				Reason: fmt.Sprintf("active provider name %q is not unique", name),
			}
		}
		seen[name] = true

		candidates = append(candidates, candidate{
			name:           name,
			provider:       p,
			caps:           p.Capabilities().Merge(spec.Capabilities),
			primaryCapable: primaryCapable,
		})
		return nil
	}

	for _, regName := range sortedKeys(r.primaryFactories) {
		if err := instantiate(regName, r.primaryFactories[regName], true); err != nil {
			return nil, err
		}
	}
	for _, regName := range sortedKeys(r.secondaryFactories) {
		if err := instantiate(regName, r.secondaryFactories[regName], false); err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

// electPrimary picks the active primary: the sole candidate marked
// is_primary, or the sole enabled primary-capable candidate when none is
// marked. Anything else is an activation error.
func electPrimary(candidates []candidate) (candidate, error) {
	var capable, marked []candidate
	for _, c := range candidates {
		if !c.primaryCapable {
			continue
		}
		capable = append(capable, c)
		if c.caps.IsPrimary {
			marked = append(marked, c)
		}
	}

	var elected candidate
	switch {
	case len(marked) == 1:
		elected = marked[0]
	case len(marked) > 1:
		return candidate{}, &domain.ActivationError{
			Reason: fmt.Sprintf("multiple providers marked primary: %s", names(marked)),
		}
	case len(capable) == 1:
		elected = capable[0]
	case len(capable) == 0:
		return candidate{}, &domain.ActivationError{
			Reason: "no enabled primary-capable provider",
		}
	default:
		return candidate{}, &domain.ActivationError{
			Reason: fmt.Sprintf("multiple primary-capable providers enabled (%s) and none marked is_primary", names(capable)),
		}
	}

	if !elected.caps.ProvidesRoleInfo {
		return candidate{}, &domain.ActivationError{
			Reason: fmt.Sprintf("primary provider %q does not provide role information", elected.name),
		}
	}

	elected.caps.IsPrimary = true
	return elected, nil
}

func activate(c candidate, cfg breaker.Config) *ActiveProvider {
	br := breaker.New(c.name, cfg)
	return &ActiveProvider{
		Name:         c.name,
		Provider:     NewGuardedProvider(c.provider, br),
		Capabilities: c.caps,
		Breaker:      br,
	}
}

// Primary returns the active primary provider.
func (r *Registry) Primary() (*ActiveProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.primary == nil {
		return nil, domain.ErrNotActivated
	}
	return r.primary, nil
}

// Secondaries returns the active secondaries sorted by name.
func (r *Registry) Secondaries() []*ActiveProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ActiveProvider, 0, len(r.secondaries))
	for _, name := range sortedKeys(r.secondaries) {
		out = append(out, r.secondaries[name])
	}
	return out
}

// Active returns every active provider, primary first.
func (r *Registry) Active() []*ActiveProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ActiveProvider
	if r.primary != nil {
		out = append(out, r.primary)
	}
	for _, name := range sortedKeys(r.secondaries) {
		out = append(out, r.secondaries[name])
	}
	return out
}

// Provider returns the active provider with the given name.
func (r *Registry) Provider(name string) (*ActiveProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.primary != nil && r.primary.Name == name {
		return r.primary, nil
	}
	if p, ok := r.secondaries[name]; ok {
		return p, nil
	}
	if r.primary == nil && len(r.secondaries) == 0 {
		return nil, domain.ErrNotActivated
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, name)
}

// ResetBreaker forces the named provider's breaker closed.
func (r *Registry) ResetBreaker(name string) error {
	p, err := r.Provider(name)
	if err != nil {
		return err
	}
	p.Breaker.Reset()
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func names(cs []candidate) string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.name)
	}
	return strings.Join(out, ", ")
}

package app

import (
	"context"
	"errors"

	"github.com/neomorfeo/memberiq/internal/breaker"
	"github.com/neomorfeo/memberiq/internal/domain"
)

// Compile-time check: GuardedProvider implements domain.Provider.
var _ domain.Provider = (*GuardedProvider)(nil)

// GuardedProvider routes every backend call through the provider's circuit
// breaker. Results that are retryable count as breaker failures; permanent
// and not-found results are authoritative backend answers and count as
// successes. A rejection while the breaker is open comes back as a
// transient result carrying the "circuit_open" code, so callers and the
// reconciliation engine treat the outage like any other retryable fault.
type GuardedProvider struct {
	next    domain.Provider
	breaker *breaker.Breaker
}

// NewGuardedProvider wraps next with br.
func NewGuardedProvider(next domain.Provider, br *breaker.Breaker) *GuardedProvider {
	return &GuardedProvider{next: next, breaker: br}
}

// resultError carries a classified failure through the breaker so its
// bookkeeping sees it, then surfaces the original result unchanged.
type resultError struct {
	result domain.OperationResult
}

func (e *resultError) Error() string { return e.result.Message }

func (g *GuardedProvider) guard(ctx context.Context, op func(context.Context) domain.OperationResult) domain.OperationResult {
	var res domain.OperationResult
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		res = op(ctx)
		if res.Retryable() {
			return &resultError{result: res}
		}
		return nil
	})
	if err == nil {
		return res
	}

	var open *breaker.OpenError
	if errors.As(err, &open) {
		return domain.TransientError(open.Error(), "circuit_open")
	}

	var rerr *resultError
	if errors.As(err, &rerr) {
		return rerr.result
	}
	return domain.TransientError(err.Error(), "breaker_fault")
}

func (g *GuardedProvider) Capabilities() domain.Capabilities {
	return g.next.Capabilities()
}

func (g *GuardedProvider) GetGroupMembers(ctx context.Context, group string) domain.OperationResult {
	return g.guard(ctx, func(ctx context.Context) domain.OperationResult {
		return g.next.GetGroupMembers(ctx, group)
	})
}

func (g *GuardedProvider) AddMember(ctx context.Context, group, email string) domain.OperationResult {
	return g.guard(ctx, func(ctx context.Context) domain.OperationResult {
		return g.next.AddMember(ctx, group, email)
	})
}

func (g *GuardedProvider) RemoveMember(ctx context.Context, group, email string) domain.OperationResult {
	return g.guard(ctx, func(ctx context.Context) domain.OperationResult {
		return g.next.RemoveMember(ctx, group, email)
	})
}

func (g *GuardedProvider) ListGroupsForUser(ctx context.Context, email string) domain.OperationResult {
	return g.guard(ctx, func(ctx context.Context) domain.OperationResult {
		return g.next.ListGroupsForUser(ctx, email)
	})
}

func (g *GuardedProvider) ListGroups(ctx context.Context) domain.OperationResult {
	return g.guard(ctx, g.next.ListGroups)
}

func (g *GuardedProvider) ListGroupsWithMembers(ctx context.Context) domain.OperationResult {
	return g.guard(ctx, g.next.ListGroupsWithMembers)
}

func (g *GuardedProvider) CreateUser(ctx context.Context, email, fullName string) domain.OperationResult {
	return g.guard(ctx, func(ctx context.Context) domain.OperationResult {
		return g.next.CreateUser(ctx, email, fullName)
	})
}

func (g *GuardedProvider) DeleteUser(ctx context.Context, email string) domain.OperationResult {
	return g.guard(ctx, func(ctx context.Context) domain.OperationResult {
		return g.next.DeleteUser(ctx, email)
	})
}

// ValidatePermissions counts check failures against the breaker and hands
// the raw error, or the breaker's own rejection, back to the caller for
// classification.
func (g *GuardedProvider) ValidatePermissions(ctx context.Context, user, group, action string) (bool, error) {
	var allowed bool
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		allowed, err = g.next.ValidatePermissions(ctx, user, group, action)
		return err
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// IsManager mirrors ValidatePermissions.
func (g *GuardedProvider) IsManager(ctx context.Context, user, group string) (bool, error) {
	var isMgr bool
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		isMgr, err = g.next.IsManager(ctx, user, group)
		return err
	})
	if err != nil {
		return false, err
	}
	return isMgr, nil
}

func (g *GuardedProvider) HealthCheck(ctx context.Context) domain.OperationResult {
	return g.guard(ctx, g.next.HealthCheck)
}

func (g *GuardedProvider) ClassifyError(err error) domain.OperationResult {
	return g.next.ClassifyError(err)
}

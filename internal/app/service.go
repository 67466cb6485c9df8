package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neomorfeo/memberiq/internal/breaker"
	"github.com/neomorfeo/memberiq/internal/domain"
)

// MembershipService orchestrates membership mutations across the active
// providers: authorize against the primary, apply there, propagate to the
// secondaries, and queue any retryable secondary failure for
// reconciliation. The caller sees the primary's outcome; secondaries never
// block a response.
type MembershipService struct {
	registry  *Registry
	store     domain.ReconciliationStore
	cache     domain.ResponseCache
	publisher domain.EventPublisher
	cacheTTL  time.Duration
}

// NewMembershipService creates a service with the given adapters.
// cacheTTL bounds idempotency replays; non-positive values fall back to
// the cache's default.
func NewMembershipService(registry *Registry, store domain.ReconciliationStore, cache domain.ResponseCache, publisher domain.EventPublisher, cacheTTL time.Duration) *MembershipService {
	return &MembershipService{
		registry:  registry,
		store:     store,
		cache:     cache,
		publisher: publisher,
		cacheTTL:  cacheTTL,
	}
}

// AddMember adds email to group on every active provider. actor must hold
// manager rights on the primary. Replaying idempotencyKey within the TTL
// returns the original response without touching any provider.
func (s *MembershipService) AddMember(ctx context.Context, group, email, actor, idempotencyKey string) (domain.MembershipResponse, error) {
	return s.mutate(ctx, domain.ActionAddMember, group, email, actor, idempotencyKey)
}

// RemoveMember removes email from group on every active provider.
func (s *MembershipService) RemoveMember(ctx context.Context, group, email, actor, idempotencyKey string) (domain.MembershipResponse, error) {
	return s.mutate(ctx, domain.ActionRemoveMember, group, email, actor, idempotencyKey)
}

func (s *MembershipService) mutate(ctx context.Context, action domain.PropagationAction, group, email, actor, idempotencyKey string) (domain.MembershipResponse, error) {
	if idempotencyKey != "" {
		if cached, ok := s.cache.GetCachedResponse(idempotencyKey); ok {
			slog.InfoContext(ctx, "replaying cached response",
				"action", action, "group", group)
			return cached, nil
		}
	}

	primary, err := s.registry.Primary()
	if err != nil {
		return domain.MembershipResponse{}, err
	}

	corrID, err := generateID()
	if err != nil {
		return domain.MembershipResponse{}, fmt.Errorf("generating correlation id: %w", err)
	}

	resp := domain.MembershipResponse{
		GroupID:       group,
		MemberEmail:   email,
		Action:        action,
		CorrelationID: corrID,
	}

	// Authorization is the primary's call; only it provides role info.
	allowed, err := primary.Provider.ValidatePermissions(ctx, actor, group, string(action))
	if err != nil {
		res := primary.Provider.ClassifyError(err)
		resp.Status = res.Status
		resp.Message = "permission check failed: " + res.Message
		return resp, nil
	}
	if !allowed {
		resp.Status = domain.StatusPermanentError
		resp.Message = fmt.Sprintf("%s is not permitted to %s on group %q", actor, action, group)
		return resp, nil
	}

	// Primary applies first; its failure is the caller's failure.
	primRes := applyAction(ctx, primary.Provider, action, group, email)
	resp.Status = primRes.Status
	resp.Message = primRes.Message
	resp.Propagations = append(resp.Propagations, domain.PropagationStatus{
		Provider: primary.Name,
		Status:   primRes.Status,
		Message:  primRes.Message,
	})
	if !primRes.Ok() {
		slog.WarnContext(ctx, "primary mutation failed",
			"action", action, "group", group, "provider", primary.Name,
			"status", primRes.Status, "error", primRes.Message)
		return resp, nil
	}

	for _, sec := range s.registry.Secondaries() {
		if !sec.Capabilities.SupportsMemberManagement {
			continue
		}
		secRes := applyAction(ctx, sec.Provider, action, group, email)
		ps := domain.PropagationStatus{
			Provider: sec.Name,
			Status:   secRes.Status,
			Message:  secRes.Message,
		}
		if !secRes.Ok() {
			ps.RecordID = s.queuePropagation(ctx, action, group, email, corrID, sec.Name, secRes)
		}
		resp.Propagations = append(resp.Propagations, ps)
	}

	s.publish(ctx, domain.MembershipEvent{
		Type:          eventFor(action),
		GroupID:       group,
		MemberEmail:   email,
		Provider:      primary.Name,
		CorrelationID: corrID,
	})

	if idempotencyKey != "" {
		s.cache.CacheResponse(idempotencyKey, resp, s.cacheTTL)
	}
	return resp, nil
}

// queuePropagation turns a retryable secondary failure into a
// reconciliation record and returns its id. Non-retryable failures are
// surfaced through the event stream but never queued.
func (s *MembershipService) queuePropagation(ctx context.Context, action domain.PropagationAction, group, email, corrID, provider string, res domain.OperationResult) string {
	event := domain.MembershipEvent{
		Type:          domain.EventPropagationFailed,
		GroupID:       group,
		MemberEmail:   email,
		Provider:      provider,
		CorrelationID: corrID,
	}

	if !res.Retryable() {
		slog.WarnContext(ctx, "secondary propagation failed permanently",
			"action", action, "group", group, "provider", provider,
			"status", res.Status, "error", res.Message)
		s.publish(ctx, event)
		return ""
	}

	rec := domain.NewFailedPropagation(group, provider, domain.PropagationPayload{
		Action:        action,
		MemberEmail:   email,
		CorrelationID: corrID,
	}, res.Status, res.Message)

	id, err := s.store.Save(ctx, rec)
	if err != nil {
		slog.ErrorContext(ctx, "queueing propagation for reconciliation",
			"group", group, "provider", provider, "error", err)
		s.publish(ctx, event)
		return ""
	}

	slog.InfoContext(ctx, "propagation queued for reconciliation",
		"action", action, "group", group, "provider", provider,
		"record_id", id, "status", res.Status)
	event.RecordID = id
	s.publish(ctx, event)
	return id
}

func (s *MembershipService) publish(ctx context.Context, event domain.MembershipEvent) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		slog.ErrorContext(ctx, "publishing membership event",
			"type", event.Type, "group", event.GroupID, "error", err)
	}
}

// applyAction dispatches a propagation action onto a provider. The
// reconciliation engine replays records through the same dispatch.
func applyAction(ctx context.Context, p domain.Provider, action domain.PropagationAction, group, email string) domain.OperationResult {
	switch action {
	case domain.ActionAddMember:
		return p.AddMember(ctx, group, email)
	case domain.ActionRemoveMember:
		return p.RemoveMember(ctx, group, email)
	default:
		return domain.PermanentError(fmt.Sprintf("unsupported action %q", action), "invalid_action")
	}
}

func eventFor(action domain.PropagationAction) domain.EventType {
	if action == domain.ActionRemoveMember {
		return domain.EventMemberRemoved
	}
	return domain.EventMemberAdded
}

// GetGroupMembers reads the group roster from the primary.
func (s *MembershipService) GetGroupMembers(ctx context.Context, group string) (domain.OperationResult, error) {
	primary, err := s.registry.Primary()
	if err != nil {
		return domain.OperationResult{}, err
	}
	return primary.Provider.GetGroupMembers(ctx, group), nil
}

// ListGroups reads all group ids from the primary.
func (s *MembershipService) ListGroups(ctx context.Context) (domain.OperationResult, error) {
	primary, err := s.registry.Primary()
	if err != nil {
		return domain.OperationResult{}, err
	}
	return primary.Provider.ListGroups(ctx), nil
}

// ListGroupsForUser reads email's groups from the primary.
func (s *MembershipService) ListGroupsForUser(ctx context.Context, email string) (domain.OperationResult, error) {
	primary, err := s.registry.Primary()
	if err != nil {
		return domain.OperationResult{}, err
	}
	return primary.Provider.ListGroupsForUser(ctx, email), nil
}

// ListGroupsWithMembers reads the full roster table from the primary.
func (s *MembershipService) ListGroupsWithMembers(ctx context.Context) (domain.OperationResult, error) {
	primary, err := s.registry.Primary()
	if err != nil {
		return domain.OperationResult{}, err
	}
	return primary.Provider.ListGroupsWithMembers(ctx), nil
}

// CreateUser creates a user on the primary. Secondary user directories
// are synced by their own tooling, not by this service.
func (s *MembershipService) CreateUser(ctx context.Context, email, fullName string) (domain.OperationResult, error) {
	primary, err := s.registry.Primary()
	if err != nil {
		return domain.OperationResult{}, err
	}
	return primary.Provider.CreateUser(ctx, email, fullName), nil
}

// DeleteUser deletes a user on the primary.
func (s *MembershipService) DeleteUser(ctx context.Context, email string) (domain.OperationResult, error) {
	primary, err := s.registry.Primary()
	if err != nil {
		return domain.OperationResult{}, err
	}
	return primary.Provider.DeleteUser(ctx, email), nil
}

// ProviderHealth is one provider's health-check outcome plus breaker state.
type ProviderHealth struct {
	Provider string `json:"provider"`
	Primary  bool   `json:"primary"`
	Breaker  string `json:"breaker"`
	Healthy  bool   `json:"healthy"`
	Message  string `json:"message,omitempty"`
}

// HealthCheck probes every active provider through its breaker.
func (s *MembershipService) HealthCheck(ctx context.Context) []ProviderHealth {
	var out []ProviderHealth
	for _, p := range s.registry.Active() {
		res := p.Provider.HealthCheck(ctx)
		out = append(out, ProviderHealth{
			Provider: p.Name,
			Primary:  p.Capabilities.IsPrimary,
			Breaker:  p.Breaker.State(),
			Healthy:  res.Ok(),
			Message:  res.Message,
		})
	}
	return out
}

// ProviderInfo describes one active provider for operators.
type ProviderInfo struct {
	Name         string              `json:"name"`
	Capabilities domain.Capabilities `json:"capabilities"`
	Breaker      breaker.Stats       `json:"breaker"`
}

// Providers lists the active providers, primary first.
func (s *MembershipService) Providers() []ProviderInfo {
	var out []ProviderInfo
	for _, p := range s.registry.Active() {
		out = append(out, ProviderInfo{
			Name:         p.Name,
			Capabilities: p.Capabilities,
			Breaker:      p.Breaker.Stats(),
		})
	}
	return out
}

// ResetBreaker forces the named provider's breaker closed.
func (s *MembershipService) ResetBreaker(name string) error {
	return s.registry.ResetBreaker(name)
}

// ListReconciliation returns reconciliation records matching filter.
func (s *MembershipService) ListReconciliation(ctx context.Context, filter domain.RecordFilter) ([]domain.FailedPropagation, error) {
	return s.store.List(ctx, filter)
}

// GetReconciliation returns one reconciliation record.
func (s *MembershipService) GetReconciliation(ctx context.Context, id string) (domain.FailedPropagation, error) {
	return s.store.Get(ctx, id)
}

// RequeueReconciliation returns a dead-lettered record to the active set.
func (s *MembershipService) RequeueReconciliation(ctx context.Context, id string) error {
	if err := s.store.Requeue(ctx, id); err != nil {
		return err
	}
	slog.InfoContext(ctx, "dead-lettered record requeued", "record_id", id)
	return nil
}

// CacheStats returns a census of the idempotency cache.
func (s *MembershipService) CacheStats() domain.CacheStats {
	return s.cache.Stats()
}

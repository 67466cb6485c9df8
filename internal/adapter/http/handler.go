package http

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"

	"github.com/danielgtaylor/huma/v2"

	"github.com/neomorfeo/memberiq/internal/app"
	"github.com/neomorfeo/memberiq/internal/domain"
)

// GroupResponse is the API representation of a group. Members is populated
// only when the listing was expanded.
type GroupResponse struct {
	ID      string   `json:"id" doc:"Group identifier"`
	Members []string `json:"members,omitempty" doc:"Member emails, sorted"`
}

// ReconciliationRecordResponse is the API representation of a queued
// membership change awaiting retry.
type ReconciliationRecordResponse struct {
	ID            string   `json:"id" doc:"Record identifier"`
	GroupID       string   `json:"group_id" doc:"Group the change targets"`
	Provider      string   `json:"provider" doc:"Provider the change must reach"`
	Action        string   `json:"action" doc:"Deferred action"`
	MemberEmail   string   `json:"member_email" doc:"Member the action applies to"`
	CorrelationID string   `json:"correlation_id" doc:"Correlation ID of the originating request"`
	OpStatus      string   `json:"op_status" doc:"Classification of the failure that created the record"`
	Status        string   `json:"status" doc:"Queue state (active or dlq)"`
	Attempts      int      `json:"attempts" doc:"Completed retry attempts"`
	LastError     string   `json:"last_error,omitempty" doc:"Most recent failure message"`
	ErrorHistory  []string `json:"error_history,omitempty" doc:"Failure messages, oldest first"`
	NextRetryAt   string   `json:"next_retry_at" doc:"Next eligible retry time (ISO 8601)"`
	CreatedAt     string   `json:"created_at" doc:"Creation timestamp (ISO 8601)"`
	UpdatedAt     string   `json:"updated_at" doc:"Last update timestamp (ISO 8601)"`
}

func toRecordResponse(rec domain.FailedPropagation) ReconciliationRecordResponse {
	return ReconciliationRecordResponse{
		ID:            rec.ID,
		GroupID:       rec.GroupID,
		Provider:      rec.Provider,
		Action:        string(rec.Payload.Action),
		MemberEmail:   rec.Payload.MemberEmail,
		CorrelationID: rec.Payload.CorrelationID,
		OpStatus:      string(rec.OpStatus),
		Status:        string(rec.Status),
		Attempts:      rec.Attempts,
		LastError:     rec.LastError,
		ErrorHistory:  rec.ErrorHistory,
		NextRetryAt:   rec.NextRetryAt.Format("2006-01-02T15:04:05Z"),
		CreatedAt:     rec.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt:     rec.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// MessageResponse carries a human-readable outcome for operations without a
// richer payload.
type MessageResponse struct {
	Message string `json:"message" doc:"Outcome description"`
}

// --- Add Member ---

type AddMemberInput struct {
	Group          string `path:"group" doc:"Group identifier"`
	IdempotencyKey string `header:"Idempotency-Key" required:"false" doc:"Caller-chosen key; successful responses are replayed for retries with the same key"`
	Body           struct {
		Email string `json:"email" format:"email" doc:"Member to add"`
		Actor string `json:"actor" format:"email" doc:"User requesting the change"`
	}
}

type MembershipOutput struct {
	Status int
	Body   domain.MembershipResponse
}

// --- Remove Member ---

type RemoveMemberInput struct {
	Group          string `path:"group" doc:"Group identifier"`
	Email          string `path:"email" doc:"Member to remove"`
	Actor          string `query:"actor" required:"true" doc:"User requesting the change"`
	IdempotencyKey string `header:"Idempotency-Key" required:"false" doc:"Caller-chosen key; successful responses are replayed for retries with the same key"`
}

// --- Group Reads ---

type GetGroupMembersInput struct {
	Group string `path:"group" doc:"Group identifier"`
}

type GetGroupMembersOutput struct {
	Body GroupResponse
}

type ListGroupsInput struct {
	Expand string `query:"expand" required:"false" enum:"members" doc:"Set to \"members\" to include each group's member list"`
}

type ListGroupsOutput struct {
	Body []GroupResponse
}

type ListUserGroupsInput struct {
	Email string `path:"email" doc:"User email"`
}

type ListUserGroupsOutput struct {
	Body []GroupResponse
}

// --- Users ---

type CreateUserInput struct {
	Body struct {
		Email    string `json:"email" format:"email" doc:"User email"`
		FullName string `json:"full_name" minLength:"1" maxLength:"255" doc:"Display name"`
	}
}

type CreateUserOutput struct {
	Body MessageResponse
}

type DeleteUserInput struct {
	Email string `path:"email" doc:"User email"`
}

type DeleteUserOutput struct {
	Body MessageResponse
}

// --- Providers & Health ---

type HealthResponse struct {
	Healthy   bool                 `json:"healthy" doc:"True when every provider probe succeeded"`
	Providers []app.ProviderHealth `json:"providers" doc:"Per-provider probe outcomes, primary first"`
}

type HealthOutput struct {
	Status int
	Body   HealthResponse
}

type ListProvidersOutput struct {
	Body []app.ProviderInfo
}

type ResetBreakerInput struct {
	Name string `path:"name" doc:"Provider name"`
}

type ResetBreakerOutput struct {
	Body MessageResponse
}

// --- Reconciliation ---

type ListRecordsInput struct {
	Status string `query:"status" required:"false" enum:"active,dlq" doc:"Filter by queue state"`
	Limit  int    `query:"limit" required:"false" default:"50" doc:"Max results"`
}

type ListRecordsOutput struct {
	Body []ReconciliationRecordResponse
}

type GetRecordInput struct {
	ID string `path:"id" doc:"Record ID"`
}

type GetRecordOutput struct {
	Body ReconciliationRecordResponse
}

type ListDeadLettersInput struct {
	Limit int `query:"limit" required:"false" default:"50" doc:"Max results"`
}

type RequeueInput struct {
	ID string `path:"id" doc:"Record ID"`
}

type RequeueOutput struct {
	Body ReconciliationRecordResponse
}

// --- Cache ---

type CacheStatsOutput struct {
	Body domain.CacheStats
}

// Register wires all membership API routes into the given API.
func Register(api huma.API, svc *app.MembershipService) {
	huma.Register(api, huma.Operation{
		OperationID: "add-group-member",
		Method:      http.MethodPost,
		Path:        "/api/v1/groups/{group}/members",
		Summary:     "Add a member to a group across all providers",
		Tags:        []string{"Membership"},
	}, func(ctx context.Context, input *AddMemberInput) (*MembershipOutput, error) {
		resp, err := svc.AddMember(ctx, input.Group, input.Body.Email, input.Body.Actor, input.IdempotencyKey)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &MembershipOutput{Status: statusCode(resp.Status), Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-group-member",
		Method:      http.MethodDelete,
		Path:        "/api/v1/groups/{group}/members/{email}",
		Summary:     "Remove a member from a group across all providers",
		Tags:        []string{"Membership"},
	}, func(ctx context.Context, input *RemoveMemberInput) (*MembershipOutput, error) {
		resp, err := svc.RemoveMember(ctx, input.Group, input.Email, input.Actor, input.IdempotencyKey)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &MembershipOutput{Status: statusCode(resp.Status), Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-group-members",
		Method:      http.MethodGet,
		Path:        "/api/v1/groups/{group}/members",
		Summary:     "List a group's members from the primary provider",
		Tags:        []string{"Membership"},
	}, func(ctx context.Context, input *GetGroupMembersInput) (*GetGroupMembersOutput, error) {
		res, err := svc.GetGroupMembers(ctx, input.Group)
		if err != nil {
			return nil, toHumaError(err)
		}
		if res.Status != domain.StatusSuccess {
			return nil, resultError(res)
		}
		members, _ := res.Data["members"].([]string)
		return &GetGroupMembersOutput{Body: GroupResponse{ID: input.Group, Members: members}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-groups",
		Method:      http.MethodGet,
		Path:        "/api/v1/groups",
		Summary:     "List groups known to the primary provider",
		Tags:        []string{"Membership"},
	}, func(ctx context.Context, input *ListGroupsInput) (*ListGroupsOutput, error) {
		var res domain.OperationResult
		var err error
		if input.Expand == "members" {
			res, err = svc.ListGroupsWithMembers(ctx)
		} else {
			res, err = svc.ListGroups(ctx)
		}
		if err != nil {
			return nil, toHumaError(err)
		}
		if res.Status != domain.StatusSuccess {
			return nil, resultError(res)
		}
		return &ListGroupsOutput{Body: groupsFromResult(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-groups",
		Method:      http.MethodGet,
		Path:        "/api/v1/users/{email}/groups",
		Summary:     "List the groups a user belongs to",
		Tags:        []string{"Membership"},
	}, func(ctx context.Context, input *ListUserGroupsInput) (*ListUserGroupsOutput, error) {
		res, err := svc.ListGroupsForUser(ctx, input.Email)
		if err != nil {
			return nil, toHumaError(err)
		}
		if res.Status != domain.StatusSuccess {
			return nil, resultError(res)
		}
		return &ListUserGroupsOutput{Body: groupsFromResult(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-user",
		Method:      http.MethodPost,
		Path:        "/api/v1/users",
		Summary:     "Create a user on the primary provider",
		Tags:        []string{"Users"},
	}, func(ctx context.Context, input *CreateUserInput) (*CreateUserOutput, error) {
		res, err := svc.CreateUser(ctx, input.Body.Email, input.Body.FullName)
		if err != nil {
			return nil, toHumaError(err)
		}
		if res.Status != domain.StatusSuccess {
			return nil, resultError(res)
		}
		return &CreateUserOutput{Body: MessageResponse{Message: res.Message}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-user",
		Method:      http.MethodDelete,
		Path:        "/api/v1/users/{email}",
		Summary:     "Delete a user from the primary provider",
		Tags:        []string{"Users"},
	}, func(ctx context.Context, input *DeleteUserInput) (*DeleteUserOutput, error) {
		res, err := svc.DeleteUser(ctx, input.Email)
		if err != nil {
			return nil, toHumaError(err)
		}
		if res.Status != domain.StatusSuccess {
			return nil, resultError(res)
		}
		return &DeleteUserOutput{Body: MessageResponse{Message: res.Message}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/v1/health",
		Summary:     "Probe every active provider through its circuit breaker",
		Tags:        []string{"Operations"},
	}, func(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
		probes := svc.HealthCheck(ctx)
		healthy := true
		for _, p := range probes {
			if !p.Healthy {
				healthy = false
			}
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		return &HealthOutput{Status: status, Body: HealthResponse{Healthy: healthy, Providers: probes}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/api/v1/providers",
		Summary:     "List active providers with capabilities and breaker state",
		Tags:        []string{"Operations"},
	}, func(ctx context.Context, _ *struct{}) (*ListProvidersOutput, error) {
		return &ListProvidersOutput{Body: svc.Providers()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-breaker",
		Method:      http.MethodPost,
		Path:        "/api/v1/providers/{name}/breaker/reset",
		Summary:     "Force a provider's circuit breaker back to closed",
		Tags:        []string{"Operations"},
	}, func(ctx context.Context, input *ResetBreakerInput) (*ResetBreakerOutput, error) {
		if err := svc.ResetBreaker(input.Name); err != nil {
			return nil, toHumaError(err)
		}
		return &ResetBreakerOutput{Body: MessageResponse{Message: "breaker reset for provider " + input.Name}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reconciliation-records",
		Method:      http.MethodGet,
		Path:        "/api/v1/reconciliation/records",
		Summary:     "List queued membership changes awaiting retry",
		Tags:        []string{"Reconciliation"},
	}, func(ctx context.Context, input *ListRecordsInput) (*ListRecordsOutput, error) {
		filter := domain.RecordFilter{Limit: input.Limit}
		if input.Status != "" {
			st := domain.RecordStatus(input.Status)
			filter.Status = &st
		}
		records, err := svc.ListReconciliation(ctx, filter)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &ListRecordsOutput{Body: toRecordResponses(records)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reconciliation-record",
		Method:      http.MethodGet,
		Path:        "/api/v1/reconciliation/records/{id}",
		Summary:     "Get a single reconciliation record",
		Tags:        []string{"Reconciliation"},
	}, func(ctx context.Context, input *GetRecordInput) (*GetRecordOutput, error) {
		rec, err := svc.GetReconciliation(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &GetRecordOutput{Body: toRecordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/api/v1/reconciliation/dlq",
		Summary:     "List dead-lettered membership changes",
		Tags:        []string{"Reconciliation"},
	}, func(ctx context.Context, input *ListDeadLettersInput) (*ListRecordsOutput, error) {
		dlq := domain.RecordDeadLettered
		records, err := svc.ListReconciliation(ctx, domain.RecordFilter{Status: &dlq, Limit: input.Limit})
		if err != nil {
			return nil, toHumaError(err)
		}
		return &ListRecordsOutput{Body: toRecordResponses(records)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-dead-letter",
		Method:      http.MethodPost,
		Path:        "/api/v1/reconciliation/dlq/{id}/requeue",
		Summary:     "Move a dead-lettered record back to the active queue",
		Tags:        []string{"Reconciliation"},
	}, func(ctx context.Context, input *RequeueInput) (*RequeueOutput, error) {
		if err := svc.RequeueReconciliation(ctx, input.ID); err != nil {
			return nil, toHumaError(err)
		}
		rec, err := svc.GetReconciliation(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &RequeueOutput{Body: toRecordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cache-stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/cache/stats",
		Summary:     "Report idempotency cache occupancy",
		Tags:        []string{"Operations"},
	}, func(ctx context.Context, _ *struct{}) (*CacheStatsOutput, error) {
		return &CacheStatsOutput{Body: svc.CacheStats()}, nil
	})
}

func toRecordResponses(records []domain.FailedPropagation) []ReconciliationRecordResponse {
	out := make([]ReconciliationRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordResponse(rec))
	}
	return out
}

// groupsFromResult normalizes the two shapes group listings come in: a
// plain id list, or an id-to-members map when expanded.
func groupsFromResult(res domain.OperationResult) []GroupResponse {
	out := []GroupResponse{}
	switch groups := res.Data["groups"].(type) {
	case []string:
		for _, id := range groups {
			out = append(out, GroupResponse{ID: id})
		}
	case map[string]any:
		for _, id := range slices.Sorted(maps.Keys(groups)) {
			members, _ := groups[id].([]string)
			out = append(out, GroupResponse{ID: id, Members: members})
		}
	}
	return out
}

// statusCode maps a mutation outcome to an HTTP status. The body still
// carries the full response so callers always see the correlation ID and
// per-provider propagation statuses.
func statusCode(s domain.OpStatus) int {
	switch s {
	case domain.StatusSuccess:
		return http.StatusOK
	case domain.StatusNotFound:
		return http.StatusNotFound
	case domain.StatusRateLimited:
		return http.StatusTooManyRequests
	case domain.StatusTransientError:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

// resultError translates a non-success read outcome to a Huma HTTP error.
func resultError(res domain.OperationResult) error {
	switch res.Status {
	case domain.StatusNotFound:
		return huma.Error404NotFound(res.Message)
	case domain.StatusRateLimited:
		return huma.Error429TooManyRequests(res.Message)
	case domain.StatusTransientError:
		if res.ErrorCode == "circuit_open" {
			return huma.Error503ServiceUnavailable(res.Message)
		}
		return huma.Error502BadGateway(res.Message)
	case domain.StatusPermanentError:
		if res.ErrorCode == "already_exists" {
			return huma.Error409Conflict(res.Message)
		}
		return huma.Error422UnprocessableEntity(res.Message)
	default:
		return huma.Error500InternalServerError(res.Message)
	}
}

// toHumaError translates domain errors to Huma HTTP errors.
func toHumaError(err error) error {
	if errors.Is(err, domain.ErrRecordNotFound) || errors.Is(err, domain.ErrProviderNotFound) {
		return huma.Error404NotFound(err.Error())
	}
	if errors.Is(err, domain.ErrNotActivated) {
		return huma.Error503ServiceUnavailable(err.Error())
	}

	var stateErr *domain.RecordStateError
	if errors.As(err, &stateErr) {
		return huma.Error409Conflict(stateErr.Error())
	}

	var actErr *domain.ActivationError
	if errors.As(err, &actErr) {
		return huma.Error503ServiceUnavailable(actErr.Error())
	}

	return huma.Error500InternalServerError("internal server error")
}

package domain

import "context"

// Provider is the contract every directory backend adapter implements.
// Implementations own their credentials and network clients; everything
// they expose here speaks OperationResult, with backend faults already
// classified. Providers must tolerate concurrent invocation.
type Provider interface {
	// Capabilities returns the adapter's declared defaults. Configuration
	// may override individual fields at activation; see Capabilities.Merge.
	Capabilities() Capabilities

	GetGroupMembers(ctx context.Context, group string) OperationResult
	AddMember(ctx context.Context, group, email string) OperationResult
	RemoveMember(ctx context.Context, group, email string) OperationResult
	ListGroupsForUser(ctx context.Context, email string) OperationResult
	ListGroups(ctx context.Context) OperationResult
	ListGroupsWithMembers(ctx context.Context) OperationResult
	CreateUser(ctx context.Context, email, fullName string) OperationResult
	DeleteUser(ctx context.Context, email string) OperationResult

	// ValidatePermissions reports whether user may perform action on group.
	// A non-nil error means the check itself failed; classify it with
	// ClassifyError before acting on it.
	ValidatePermissions(ctx context.Context, user, group, action string) (bool, error)

	// IsManager reports whether user manages group. Error semantics match
	// ValidatePermissions.
	IsManager(ctx context.Context, user, group string) (bool, error)

	HealthCheck(ctx context.Context) OperationResult

	// ClassifyError maps a backend-specific error onto the shared taxonomy.
	// The reconciliation engine keys its retry/dead-letter decision on this
	// classification.
	ClassifyError(err error) OperationResult
}

// Capabilities describes what a provider can do. Attached to the active
// provider at activation after merging configuration overrides onto the
// adapter's declared defaults.
type Capabilities struct {
	IsPrimary                bool `json:"is_primary"`
	SupportsMemberManagement bool `json:"supports_member_management"`
	ProvidesRoleInfo         bool `json:"provides_role_info"`
	SupportsBatchOperations  bool `json:"supports_batch_operations"`
	MaxBatchSize             int  `json:"max_batch_size,omitempty"`
}

// CapabilityOverride is a partial Capabilities supplied by configuration.
// Nil fields leave the declared default untouched.
type CapabilityOverride struct {
	IsPrimary                *bool
	SupportsMemberManagement *bool
	ProvidesRoleInfo         *bool
	SupportsBatchOperations  *bool
	MaxBatchSize             *int
}

// Merge returns a copy of c with every non-nil override field applied.
// The receiver is never mutated; capability values stay immutable.
func (c Capabilities) Merge(o *CapabilityOverride) Capabilities {
	if o == nil {
		return c
	}
	out := c
	if o.IsPrimary != nil {
		out.IsPrimary = *o.IsPrimary
	}
	if o.SupportsMemberManagement != nil {
		out.SupportsMemberManagement = *o.SupportsMemberManagement
	}
	if o.ProvidesRoleInfo != nil {
		out.ProvidesRoleInfo = *o.ProvidesRoleInfo
	}
	if o.SupportsBatchOperations != nil {
		out.SupportsBatchOperations = *o.SupportsBatchOperations
	}
	if o.MaxBatchSize != nil {
		out.MaxBatchSize = *o.MaxBatchSize
	}
	return out
}

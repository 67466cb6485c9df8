// Package memdir implements the provider contract against an in-memory
// directory. It backs demos and single-node deployments, and gives the
// orchestration tests a backend whose failures are scriptable.
package memdir

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/neomorfeo/memberiq/internal/domain"
)

// Compile-time check: Provider implements domain.Provider.
var _ domain.Provider = (*Provider)(nil)

// Operation keys understood by Fail.
const (
	OpGetGroupMembers       = "get_group_members"
	OpAddMember             = "add_member"
	OpRemoveMember          = "remove_member"
	OpListGroupsForUser     = "list_groups_for_user"
	OpListGroups            = "list_groups"
	OpListGroupsWithMembers = "list_groups_with_members"
	OpCreateUser            = "create_user"
	OpDeleteUser            = "delete_user"
	OpHealthCheck           = "health_check"
)

type group struct {
	members  map[string]bool
	managers map[string]bool
}

// Provider is an in-memory directory backend. Group managers hold every
// permission; everyone else holds none.
type Provider struct {
	caps domain.Capabilities

	mu      sync.RWMutex
	groups  map[string]*group
	users   map[string]string // email -> full name
	faults  map[string]domain.OperationResult
	permErr error
}

// New creates an empty directory. The declared capability defaults leave
// IsPrimary unset; election or a configuration override decides that.
func New() *Provider {
	return &Provider{
		caps: domain.Capabilities{
			SupportsMemberManagement: true,
			ProvidesRoleInfo:         true,
		},
		groups: make(map[string]*group),
		users:  make(map[string]string),
		faults: make(map[string]domain.OperationResult),
	}
}

// FromSettings builds a directory seeded from a configuration settings
// table. Recognized keys: "groups" and "managers" (tables of group id to
// email list) and "users" (table of email to full name).
func FromSettings(settings map[string]any) (*Provider, error) {
	p := New()

	groups, err := stringListTable(settings, "groups")
	if err != nil {
		return nil, err
	}
	for id, members := range groups {
		p.SeedGroup(id, members...)
	}

	managers, err := stringListTable(settings, "managers")
	if err != nil {
		return nil, err
	}
	for id, emails := range managers {
		p.SeedManagers(id, emails...)
	}

	users, err := stringTable(settings, "users")
	if err != nil {
		return nil, err
	}
	for email, fullName := range users {
		p.SeedUser(email, fullName)
	}

	return p, nil
}

// SeedGroup ensures the group exists and adds the given members.
func (p *Provider) SeedGroup(id string, members ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.ensureGroup(id)
	for _, email := range members {
		g.members[email] = true
	}
}

// SeedManagers marks the given emails as managers (and members) of the
// group, creating it if needed.
func (p *Provider) SeedManagers(id string, managers ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.ensureGroup(id)
	for _, email := range managers {
		g.members[email] = true
		g.managers[email] = true
	}
}

// SeedUser registers a user record.
func (p *Provider) SeedUser(email, fullName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[email] = fullName
}

// ensureGroup must be called with the write lock held.
func (p *Provider) ensureGroup(id string) *group {
	g, ok := p.groups[id]
	if !ok {
		g = &group{members: make(map[string]bool), managers: make(map[string]bool)}
		p.groups[id] = g
	}
	return g
}

// Fail forces op to return result on every call until ClearFaults.
func (p *Provider) Fail(op string, result domain.OperationResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = result
}

// FailPermissionChecks makes ValidatePermissions and IsManager return err
// until ClearFaults.
func (p *Provider) FailPermissionChecks(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permErr = err
}

// ClearFaults removes every scripted fault.
func (p *Provider) ClearFaults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = make(map[string]domain.OperationResult)
	p.permErr = nil
}

func (p *Provider) fault(op string) (domain.OperationResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res, ok := p.faults[op]
	return res, ok
}

func (p *Provider) Capabilities() domain.Capabilities {
	return p.caps
}

func (p *Provider) GetGroupMembers(ctx context.Context, groupID string) domain.OperationResult {
	if res, ok := p.fault(OpGetGroupMembers); ok {
		return res
	}
	if err := ctx.Err(); err != nil {
		return p.ClassifyError(err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[groupID]
	if !ok {
		return domain.NotFound(fmt.Sprintf("group %q not found", groupID))
	}
	members := slices.Sorted(maps.Keys(g.members))
	return domain.Success(fmt.Sprintf("group %q has %d members", groupID, len(members)),
		map[string]any{"members": members})
}

func (p *Provider) AddMember(ctx context.Context, groupID, email string) domain.OperationResult {
	if res, ok := p.fault(OpAddMember); ok {
		return res
	}
	if err := ctx.Err(); err != nil {
		return p.ClassifyError(err)
	}
	if !strings.Contains(email, "@") {
		return domain.PermanentError(fmt.Sprintf("invalid email %q", email), "invalid_argument")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[groupID]
	if !ok {
		return domain.NotFound(fmt.Sprintf("group %q not found", groupID))
	}
	if g.members[email] {
		// Idempotent: re-adding reports success so retries converge.
		return domain.Success(fmt.Sprintf("%s is already a member of %q", email, groupID),
			map[string]any{"already_member": true})
	}
	g.members[email] = true
	return domain.Success(fmt.Sprintf("added %s to %q", email, groupID), nil)
}

func (p *Provider) RemoveMember(ctx context.Context, groupID, email string) domain.OperationResult {
	if res, ok := p.fault(OpRemoveMember); ok {
		return res
	}
	if err := ctx.Err(); err != nil {
		return p.ClassifyError(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[groupID]
	if !ok {
		return domain.NotFound(fmt.Sprintf("group %q not found", groupID))
	}
	if !g.members[email] {
		return domain.NotFound(fmt.Sprintf("%s is not a member of %q", email, groupID))
	}
	delete(g.members, email)
	delete(g.managers, email)
	return domain.Success(fmt.Sprintf("removed %s from %q", email, groupID), nil)
}

func (p *Provider) ListGroupsForUser(ctx context.Context, email string) domain.OperationResult {
	if res, ok := p.fault(OpListGroupsForUser); ok {
		return res
	}
	if err := ctx.Err(); err != nil {
		return p.ClassifyError(err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for id, g := range p.groups {
		if g.members[email] {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return domain.Success(fmt.Sprintf("%s belongs to %d groups", email, len(ids)),
		map[string]any{"groups": ids})
}

func (p *Provider) ListGroups(ctx context.Context) domain.OperationResult {
	if res, ok := p.fault(OpListGroups); ok {
		return res
	}
	if err := ctx.Err(); err != nil {
		return p.ClassifyError(err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(p.groups))
	return domain.Success(fmt.Sprintf("directory has %d groups", len(ids)),
		map[string]any{"groups": ids})
}

func (p *Provider) ListGroupsWithMembers(ctx context.Context) domain.OperationResult {
	if res, ok := p.fault(OpListGroupsWithMembers); ok {
		return res
	}
	if err := ctx.Err(); err != nil {
		return p.ClassifyError(err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.groups))
	for id, g := range p.groups {
		out[id] = slices.Sorted(maps.Keys(g.members))
	}
	return domain.Success(fmt.Sprintf("directory has %d groups", len(out)),
		map[string]any{"groups": out})
}

func (p *Provider) CreateUser(ctx context.Context, email, fullName string) domain.OperationResult {
	if res, ok := p.fault(OpCreateUser); ok {
		return res
	}
	if err := ctx.Err(); err != nil {
		return p.ClassifyError(err)
	}
	if !strings.Contains(email, "@") {
		return domain.PermanentError(fmt.Sprintf("invalid email %q", email), "invalid_argument")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.users[email]; exists {
		return domain.PermanentError(fmt.Sprintf("user %s already exists", email), "already_exists")
	}
	p.users[email] = fullName
	return domain.Success(fmt.Sprintf("created user %s", email), nil)
}

func (p *Provider) DeleteUser(ctx context.Context, email string) domain.OperationResult {
	if res, ok := p.fault(OpDeleteUser); ok {
		return res
	}
	if err := ctx.Err(); err != nil {
		return p.ClassifyError(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.users[email]; !exists {
		return domain.NotFound(fmt.Sprintf("user %s not found", email))
	}
	delete(p.users, email)
	for _, g := range p.groups {
		delete(g.members, email)
		delete(g.managers, email)
	}
	return domain.Success(fmt.Sprintf("deleted user %s", email), nil)
}

// ValidatePermissions grants managers every action and everyone else none.
func (p *Provider) ValidatePermissions(ctx context.Context, user, groupID, action string) (bool, error) {
	return p.IsManager(ctx, user, groupID)
}

func (p *Provider) IsManager(ctx context.Context, user, groupID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.permErr != nil {
		return false, p.permErr
	}
	g, ok := p.groups[groupID]
	if !ok {
		return false, nil
	}
	return g.managers[user], nil
}

func (p *Provider) HealthCheck(ctx context.Context) domain.OperationResult {
	if res, ok := p.fault(OpHealthCheck); ok {
		return res
	}
	if err := ctx.Err(); err != nil {
		return p.ClassifyError(err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return domain.Success("directory reachable",
		map[string]any{"groups": len(p.groups), "users": len(p.users)})
}

// ClassifyError maps an error onto the shared taxonomy by shape and
// message. Unknown faults classify as transient so they stay retryable.
func (p *Provider) ClassifyError(err error) domain.OperationResult {
	if err == nil {
		return domain.Success("no error", nil)
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return domain.TransientError(msg, "timeout")
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota"):
		return domain.RateLimited(msg, time.Minute)
	case strings.Contains(lower, "not found"):
		return domain.NotFound(msg)
	case strings.Contains(lower, "permission") || strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "unauthorized"):
		return domain.PermanentError(msg, "permission_denied")
	case strings.Contains(lower, "invalid"):
		return domain.PermanentError(msg, "invalid_argument")
	default:
		return domain.TransientError(msg, "unclassified")
	}
}

func stringListTable(settings map[string]any, key string) (map[string][]string, error) {
	raw, ok := settings[key]
	if !ok {
		return nil, nil
	}
	table, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("settings key %q: expected a table, got %T", key, raw)
	}

	out := make(map[string][]string, len(table))
	for id, value := range table {
		list, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("settings key %q.%s: expected a list, got %T", key, id, value)
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("settings key %q.%s: expected strings, got %T", key, id, item)
			}
			out[id] = append(out[id], s)
		}
	}
	return out, nil
}

func stringTable(settings map[string]any, key string) (map[string]string, error) {
	raw, ok := settings[key]
	if !ok {
		return nil, nil
	}
	table, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("settings key %q: expected a table, got %T", key, raw)
	}

	out := make(map[string]string, len(table))
	for id, value := range table {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("settings key %q.%s: expected a string, got %T", key, id, value)
		}
		out[id] = s
	}
	return out, nil
}

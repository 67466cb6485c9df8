package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/memberiq/internal/domain"
)

// TracingProvider wraps a domain.Provider with OpenTelemetry tracing, one
// span per backend call.
type TracingProvider struct {
	name   string
	next   domain.Provider
	tracer trace.Tracer
}

// Compile-time check: TracingProvider implements domain.Provider.
var _ domain.Provider = (*TracingProvider)(nil)

// NewTracingProvider creates a tracing decorator around the given backend.
// name labels every span so traces distinguish the providers.
func NewTracingProvider(name string, next domain.Provider) *TracingProvider {
	return &TracingProvider{
		name:   name,
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

// recordResult annotates the span with the call's classification. Only
// retryable failures mark the span as errored; permanent and not_found
// results are answers from a healthy backend.
func recordResult(span trace.Span, res domain.OperationResult) domain.OperationResult {
	span.SetAttributes(attribute.String("result.status", string(res.Status)))
	if res.Retryable() {
		span.SetStatus(codes.Error, res.Message)
	}
	return res
}

func (p *TracingProvider) Capabilities() domain.Capabilities {
	return p.next.Capabilities()
}

func (p *TracingProvider) GetGroupMembers(ctx context.Context, group string) domain.OperationResult {
	ctx, span := p.tracer.Start(ctx, "Provider.GetGroupMembers",
		trace.WithAttributes(
			attribute.String("provider.name", p.name),
			attribute.String("group.id", group),
		),
	)
	defer span.End()
	return recordResult(span, p.next.GetGroupMembers(ctx, group))
}

func (p *TracingProvider) AddMember(ctx context.Context, group, email string) domain.OperationResult {
	ctx, span := p.tracer.Start(ctx, "Provider.AddMember",
		trace.WithAttributes(
			attribute.String("provider.name", p.name),
			attribute.String("group.id", group),
			attribute.String("member.email", email),
		),
	)
	defer span.End()
	return recordResult(span, p.next.AddMember(ctx, group, email))
}

func (p *TracingProvider) RemoveMember(ctx context.Context, group, email string) domain.OperationResult {
	ctx, span := p.tracer.Start(ctx, "Provider.RemoveMember",
		trace.WithAttributes(
			attribute.String("provider.name", p.name),
			attribute.String("group.id", group),
			attribute.String("member.email", email),
		),
	)
	defer span.End()
	return recordResult(span, p.next.RemoveMember(ctx, group, email))
}

func (p *TracingProvider) ListGroupsForUser(ctx context.Context, email string) domain.OperationResult {
	ctx, span := p.tracer.Start(ctx, "Provider.ListGroupsForUser",
		trace.WithAttributes(
			attribute.String("provider.name", p.name),
			attribute.String("member.email", email),
		),
	)
	defer span.End()
	return recordResult(span, p.next.ListGroupsForUser(ctx, email))
}

func (p *TracingProvider) ListGroups(ctx context.Context) domain.OperationResult {
	ctx, span := p.tracer.Start(ctx, "Provider.ListGroups",
		trace.WithAttributes(attribute.String("provider.name", p.name)),
	)
	defer span.End()
	return recordResult(span, p.next.ListGroups(ctx))
}

func (p *TracingProvider) ListGroupsWithMembers(ctx context.Context) domain.OperationResult {
	ctx, span := p.tracer.Start(ctx, "Provider.ListGroupsWithMembers",
		trace.WithAttributes(attribute.String("provider.name", p.name)),
	)
	defer span.End()
	return recordResult(span, p.next.ListGroupsWithMembers(ctx))
}

func (p *TracingProvider) CreateUser(ctx context.Context, email, fullName string) domain.OperationResult {
	ctx, span := p.tracer.Start(ctx, "Provider.CreateUser",
		trace.WithAttributes(
			attribute.String("provider.name", p.name),
			attribute.String("user.email", email),
		),
	)
	defer span.End()
	return recordResult(span, p.next.CreateUser(ctx, email, fullName))
}

func (p *TracingProvider) DeleteUser(ctx context.Context, email string) domain.OperationResult {
	ctx, span := p.tracer.Start(ctx, "Provider.DeleteUser",
		trace.WithAttributes(
			attribute.String("provider.name", p.name),
			attribute.String("user.email", email),
		),
	)
	defer span.End()
	return recordResult(span, p.next.DeleteUser(ctx, email))
}

func (p *TracingProvider) ValidatePermissions(ctx context.Context, user, group, action string) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "Provider.ValidatePermissions",
		trace.WithAttributes(
			attribute.String("provider.name", p.name),
			attribute.String("actor.email", user),
			attribute.String("group.id", group),
			attribute.String("action", action),
		),
	)
	defer span.End()

	allowed, err := p.next.ValidatePermissions(ctx, user, group, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Bool("allowed", allowed))
	}
	return allowed, err
}

func (p *TracingProvider) IsManager(ctx context.Context, user, group string) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "Provider.IsManager",
		trace.WithAttributes(
			attribute.String("provider.name", p.name),
			attribute.String("actor.email", user),
			attribute.String("group.id", group),
		),
	)
	defer span.End()

	isMgr, err := p.next.IsManager(ctx, user, group)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return isMgr, err
}

func (p *TracingProvider) HealthCheck(ctx context.Context) domain.OperationResult {
	ctx, span := p.tracer.Start(ctx, "Provider.HealthCheck",
		trace.WithAttributes(attribute.String("provider.name", p.name)),
	)
	defer span.End()
	return recordResult(span, p.next.HealthCheck(ctx))
}

func (p *TracingProvider) ClassifyError(err error) domain.OperationResult {
	return p.next.ClassifyError(err)
}

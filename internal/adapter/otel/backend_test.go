package otel_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"

	"github.com/neomorfeo/memberiq/internal/adapter/memdir"
	adapter "github.com/neomorfeo/memberiq/internal/adapter/otel"
	"github.com/neomorfeo/memberiq/internal/domain"
)

func tracedDirectory(t *testing.T) (*memdir.Provider, *adapter.TracingProvider) {
	t.Helper()
	dir := memdir.New()
	dir.SeedGroup("eng", "ada@example.com")
	dir.SeedManagers("eng", "grace@example.com")
	return dir, adapter.NewTracingProvider("dir", dir)
}

func TestTracingProvider_AddMember_RecordsSpan(t *testing.T) {
	exporter := setupTestTracer(t)
	_, traced := tracedDirectory(t)

	res := traced.AddMember(context.Background(), "eng", "bob@example.com")
	if !res.Ok() {
		t.Fatalf("AddMember = %+v, want success", res)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "Provider.AddMember" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "Provider.AddMember")
	}

	assertAttribute(t, spans[0], "provider.name", "dir")
	assertAttribute(t, spans[0], "group.id", "eng")
	assertAttribute(t, spans[0], "member.email", "bob@example.com")
	assertAttribute(t, spans[0], "result.status", "success")
}

func TestTracingProvider_RetryableFailureMarksSpan(t *testing.T) {
	exporter := setupTestTracer(t)
	dir, traced := tracedDirectory(t)

	dir.Fail(memdir.OpAddMember, domain.TransientError("upstream 502", "bad_gateway"))

	res := traced.AddMember(context.Background(), "eng", "bob@example.com")
	if res.Status != domain.StatusTransientError {
		t.Fatalf("AddMember = %+v, want transient error", res)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want %v", spans[0].Status.Code, codes.Error)
	}
	assertAttribute(t, spans[0], "result.status", "transient_error")
}

func TestTracingProvider_NotFoundIsNotAnError(t *testing.T) {
	exporter := setupTestTracer(t)
	_, traced := tracedDirectory(t)

	res := traced.GetGroupMembers(context.Background(), "ghost")
	if res.Status != domain.StatusNotFound {
		t.Fatalf("GetGroupMembers = %+v, want not_found", res)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("not_found must not mark the span as errored")
	}
	assertAttribute(t, spans[0], "result.status", "not_found")
}

func TestTracingProvider_ValidatePermissions_RecordsOutcome(t *testing.T) {
	exporter := setupTestTracer(t)
	_, traced := tracedDirectory(t)

	allowed, err := traced.ValidatePermissions(context.Background(), "grace@example.com", "eng", "add_member")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("grace manages eng; expected allowed")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	assertAttribute(t, spans[0], "actor.email", "grace@example.com")
	assertAttribute(t, spans[0], "allowed", "true")
}

func TestTracingProvider_PermissionError_RecordsError(t *testing.T) {
	exporter := setupTestTracer(t)
	dir, traced := tracedDirectory(t)

	dir.FailPermissionChecks(context.DeadlineExceeded)

	_, err := traced.IsManager(context.Background(), "grace@example.com", "eng")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want %v", spans[0].Status.Code, codes.Error)
	}
}

package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/memberiq/internal/domain"
)

const tracerName = "github.com/neomorfeo/memberiq/internal/adapter/otel"

// TracingStore wraps a domain.ReconciliationStore with OpenTelemetry
// tracing. Each method creates a span with semantic attributes and
// records errors.
type TracingStore struct {
	next   domain.ReconciliationStore
	tracer trace.Tracer
}

// Compile-time check: TracingStore implements domain.ReconciliationStore.
var _ domain.ReconciliationStore = (*TracingStore)(nil)

// NewTracingStore creates a tracing decorator around the given store.
func NewTracingStore(next domain.ReconciliationStore) *TracingStore {
	return &TracingStore{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (s *TracingStore) Save(ctx context.Context, rec domain.FailedPropagation) (string, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationStore.Save",
		trace.WithAttributes(
			attribute.String("record.group", rec.GroupID),
			attribute.String("record.provider", rec.Provider),
			attribute.String("record.action", string(rec.Payload.Action)),
		),
	)
	defer span.End()

	id, err := s.next.Save(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("record.id", id))
	}
	return id, err
}

func (s *TracingStore) FetchDue(ctx context.Context, limit int) ([]domain.FailedPropagation, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationStore.FetchDue",
		trace.WithAttributes(attribute.Int("fetch.limit", limit)),
	)
	defer span.End()

	recs, err := s.next.FetchDue(ctx, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("result.count", len(recs)))
	}
	return recs, err
}

func (s *TracingStore) Claim(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationStore.Claim",
		trace.WithAttributes(
			attribute.String("record.id", id),
			attribute.String("worker.id", workerID),
		),
	)
	defer span.End()

	claimed, err := s.next.Claim(ctx, id, workerID, lease)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Bool("claim.acquired", claimed))
	}
	return claimed, err
}

func (s *TracingStore) MarkSuccess(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "ReconciliationStore.MarkSuccess",
		trace.WithAttributes(attribute.String("record.id", id)),
	)
	defer span.End()

	err := s.next.MarkSuccess(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *TracingStore) IncrementAttempt(ctx context.Context, id, errMsg string) error {
	ctx, span := s.tracer.Start(ctx, "ReconciliationStore.IncrementAttempt",
		trace.WithAttributes(attribute.String("record.id", id)),
	)
	defer span.End()

	err := s.next.IncrementAttempt(ctx, id, errMsg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *TracingStore) MarkPermanentFailure(ctx context.Context, id, errMsg string) error {
	ctx, span := s.tracer.Start(ctx, "ReconciliationStore.MarkPermanentFailure",
		trace.WithAttributes(attribute.String("record.id", id)),
	)
	defer span.End()

	err := s.next.MarkPermanentFailure(ctx, id, errMsg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *TracingStore) Get(ctx context.Context, id string) (domain.FailedPropagation, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationStore.Get",
		trace.WithAttributes(attribute.String("record.id", id)),
	)
	defer span.End()

	rec, err := s.next.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rec, err
}

func (s *TracingStore) List(ctx context.Context, filter domain.RecordFilter) ([]domain.FailedPropagation, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationStore.List",
		trace.WithAttributes(attribute.Int("filter.limit", filter.Limit)),
	)
	defer span.End()

	if filter.Status != nil {
		span.SetAttributes(attribute.String("filter.status", string(*filter.Status)))
	}

	recs, err := s.next.List(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("result.count", len(recs)))
	}
	return recs, err
}

func (s *TracingStore) Requeue(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "ReconciliationStore.Requeue",
		trace.WithAttributes(attribute.String("record.id", id)),
	)
	defer span.End()

	err := s.next.Requeue(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *TracingStore) PurgeExpired(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationStore.PurgeExpired")
	defer span.End()

	n, err := s.next.PurgeExpired(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("result.count", n))
	}
	return n, err
}

package river

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/neomorfeo/memberiq/internal/domain"
)

// Compile-time check: Publisher implements domain.EventPublisher.
var _ domain.EventPublisher = (*Publisher)(nil)

// MembershipEventArgs carries a membership event into River's job queue.
// River serializes this as JSON into its job table, so the worker gets a
// complete snapshot and never needs to query application state.
type MembershipEventArgs struct {
	Event         string `json:"event"`
	GroupID       string `json:"group_id"`
	MemberEmail   string `json:"member_email,omitempty"`
	Provider      string `json:"provider,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RecordID      string `json:"record_id,omitempty"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (MembershipEventArgs) Kind() string { return "membership.event" }

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// Publisher implements domain.EventPublisher by enqueuing River jobs.
type Publisher struct {
	client *Client
}

// NewPublisher creates a publisher backed by the given River client.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// Publish enqueues a membership event as an async job in River.
func (p *Publisher) Publish(ctx context.Context, event domain.MembershipEvent) error {
	_, err := p.client.Insert(ctx, MembershipEventArgs{
		Event:         string(event.Type),
		GroupID:       event.GroupID,
		MemberEmail:   event.MemberEmail,
		Provider:      event.Provider,
		CorrelationID: event.CorrelationID,
		RecordID:      event.RecordID,
	}, nil)
	if err != nil {
		return fmt.Errorf("enqueuing event job: %w", err)
	}
	return nil
}

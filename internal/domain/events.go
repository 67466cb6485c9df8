package domain

// EventType identifies a membership orchestration event.
type EventType string

const (
	EventMemberAdded             EventType = "member_added"
	EventMemberRemoved           EventType = "member_removed"
	EventPropagationFailed       EventType = "propagation_failed"
	EventPropagationDeadLettered EventType = "propagation_dead_lettered"
)

// MembershipEvent is a snapshot emitted after orchestration decisions so
// async consumers (audit, notification fan-out) never need to query state.
type MembershipEvent struct {
	Type          EventType
	GroupID       string
	MemberEmail   string
	Provider      string
	CorrelationID string
	RecordID      string
}

package domain

// PropagationStatus reports the outcome of applying a membership change to
// one secondary provider.
type PropagationStatus struct {
	Provider string   `json:"provider"`
	Status   OpStatus `json:"status"`
	Message  string   `json:"message,omitempty"`
	// RecordID is set when the change was queued for asynchronous retry.
	RecordID string `json:"record_id,omitempty"`
}

// MembershipResponse is the caller-visible outcome of a membership mutation.
// The primary provider's outcome decides Status; secondary outcomes ride
// along as propagation statuses. Successful responses are cached under the
// caller's idempotency key and replayed verbatim within the TTL window.
type MembershipResponse struct {
	Status        OpStatus            `json:"status"`
	Message       string              `json:"message,omitempty"`
	GroupID       string              `json:"group_id"`
	MemberEmail   string              `json:"member_email"`
	Action        PropagationAction   `json:"action"`
	CorrelationID string              `json:"correlation_id"`
	Propagations  []PropagationStatus `json:"propagations,omitempty"`
}

// Ok reports whether the mutation succeeded on the primary provider.
func (r MembershipResponse) Ok() bool {
	return r.Status == StatusSuccess
}

package domain

import (
	"maps"
	"time"
)

// OpStatus classifies the outcome of a provider operation.
type OpStatus string

const (
	StatusSuccess        OpStatus = "success"
	StatusTransientError OpStatus = "transient_error"
	StatusPermanentError OpStatus = "permanent_error"
	StatusNotFound       OpStatus = "not_found"
	StatusRateLimited    OpStatus = "rate_limited"
)

// Retryable reports whether an outcome can succeed on a later attempt.
// Only transient faults and rate limits qualify; permanent and not-found
// outcomes never recover on their own and must not enter the retry queue.
func (s OpStatus) Retryable() bool {
	return s == StatusTransientError || s == StatusRateLimited
}

// OperationResult is the outcome of a single provider call. Adapters build
// exactly one result per call at their boundary, mapping backend-specific
// faults onto the shared taxonomy; raw backend errors never cross it.
// A result is immutable once built.
type OperationResult struct {
	Status     OpStatus
	Message    string
	ErrorCode  string
	Data       map[string]any
	RetryAfter time.Duration // set only for rate-limited outcomes
}

// Success builds a successful result. The data map is copied so later
// mutation by the caller cannot alter the stored result.
func Success(message string, data map[string]any) OperationResult {
	return OperationResult{
		Status:  StatusSuccess,
		Message: message,
		Data:    maps.Clone(data),
	}
}

// TransientError builds a result for a fault worth retrying: a network
// blip, a 5xx, a timeout.
func TransientError(message, code string) OperationResult {
	return OperationResult{Status: StatusTransientError, Message: message, ErrorCode: code}
}

// PermanentError builds a result for a fault that retrying cannot fix,
// such as an authentication or validation failure.
func PermanentError(message, code string) OperationResult {
	return OperationResult{Status: StatusPermanentError, Message: message, ErrorCode: code}
}

// NotFound builds a result for an absent target.
func NotFound(message string) OperationResult {
	return OperationResult{Status: StatusNotFound, Message: message, ErrorCode: "not_found"}
}

// RateLimited builds a result carrying the backend's retry-after hint.
func RateLimited(message string, retryAfter time.Duration) OperationResult {
	return OperationResult{
		Status:     StatusRateLimited,
		Message:    message,
		ErrorCode:  "rate_limited",
		RetryAfter: retryAfter,
	}
}

// Ok reports whether the operation succeeded.
func (r OperationResult) Ok() bool {
	return r.Status == StatusSuccess
}

// Retryable reports whether the outcome is eligible for retry.
func (r OperationResult) Retryable() bool {
	return r.Status.Retryable()
}

// Strings returns a string-slice data field, or nil when absent.
// List operations store members and group names this way.
func (r OperationResult) Strings(key string) []string {
	v, ok := r.Data[key]
	if !ok {
		return nil
	}
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

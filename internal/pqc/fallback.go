package pqc

import (
	"errors"
	"time"
)

// FallbackEvent is the payload of a CRYPTO_FALLBACK_USED audit event.
type FallbackEvent struct {
	FallbackReason    string
	Algorithm         string
	UserID            string
	Operation         string
	Timestamp         time.Time
	OriginalAlgorithm string
}

// NewFallbackEvent builds the payload for a degraded call.
func NewFallbackEvent(err error, op Operation, userID string, at time.Time) FallbackEvent {
	reason := ReasonServiceError
	var f *Failure
	if errors.As(err, &f) {
		reason = f.Reason
		op = f.Op
	}
	return FallbackEvent{
		FallbackReason:    string(reason),
		Algorithm:         AlgorithmClassical,
		UserID:            userID,
		Operation:         string(op),
		Timestamp:         at.UTC(),
		OriginalAlgorithm: OriginalAlgorithm(op),
	}
}

// Metadata flattens the event for audit sinks.
func (e FallbackEvent) Metadata() map[string]string {
	return map[string]string{
		"fallbackReason":    e.FallbackReason,
		"algorithm":         e.Algorithm,
		"userId":            e.UserID,
		"operation":         e.Operation,
		"timestamp":         e.Timestamp.Format(time.RFC3339Nano),
		"originalAlgorithm": e.OriginalAlgorithm,
	}
}

// Fallbackable reports whether a failure may be recovered by the classical
// path. Caller cancellation is not: the request is already gone.
func Fallbackable(err error) bool {
	var f *Failure
	if !errors.As(err, &f) {
		return false
	}
	return f.Reason != ReasonCanceled
}

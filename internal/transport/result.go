package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidEndpoint is returned by push transports when the endpoint or
	// token is gone for good. Dispatchers deactivate the subscription.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrNoAddress means the recipient has nothing to deliver to on a channel.
	ErrNoAddress   = errors.New("recipient has no address for channel")
	ErrCircuitOpen = errors.New("channel circuit open")
)

// FailureKind classifies a failed delivery.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransport FailureKind = "transport"
	FailureTimeout   FailureKind = "timeout"
	FailureRecipient FailureKind = "recipient"
	FailureEndpoint  FailureKind = "endpoint"
	FailureCircuit   FailureKind = "circuit"
	FailurePanic     FailureKind = "panic"
)

// DeliveryResult is the outcome of one (channel, recipient) attempt.
// It is immutable once created.
type DeliveryResult struct {
	Channel   Channel     `json:"channel"`
	Recipient string      `json:"recipient"`
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Failure   FailureKind `json:"failure,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Response  string      `json:"response,omitempty"`
}

func Succeeded(ch Channel, recipient, response string, at time.Time) DeliveryResult {
	return DeliveryResult{Channel: ch, Recipient: recipient, Success: true, Message: "delivered", Timestamp: at, Response: response}
}

// Failed converts err into a failed result. The failure kind is derived from
// the error chain.
func Failed(ch Channel, recipient string, err error, at time.Time) DeliveryResult {
	msg := "delivery failed"
	if err != nil {
		msg = err.Error()
	}
	return DeliveryResult{Channel: ch, Recipient: recipient, Message: msg, Failure: classify(err), Timestamp: at}
}

func classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureTransport
	case errors.Is(err, ErrInvalidEndpoint):
		return FailureEndpoint
	case errors.Is(err, ErrNoAddress):
		return FailureRecipient
	case errors.Is(err, ErrCircuitOpen):
		return FailureCircuit
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureTransport
	}
}

// Countable reports whether the failure says something about the transport's
// health (used by the circuit breaker).
func (r DeliveryResult) Countable() bool {
	return !r.Success && (r.Failure == FailureTransport || r.Failure == FailureTimeout)
}

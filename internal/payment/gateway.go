// Package payment is the boundary to the external payment processor.
//
// The engine only ever talks to the processor through Gateway. StripeGateway
// is the production adapter, FakeGateway simulates holds, captures and
// transfers for tests and local development, and Resilient wraps either one
// with timeouts, a circuit breaker and a rate limiter.
package payment

import (
	"context"
	"errors"
	"fmt"
)

// Gateway is the contract the settlement engine needs from a processor.
// Every mutating call carries an idempotency key so retried calls are safe at
// the processor level too.
type Gateway interface {
	CreateHold(ctx context.Context, req HoldRequest) (*Hold, error)
	Capture(ctx context.Context, holdRef, idempotencyKey string) (capturedAmountCents int64, err error)
	Transfer(ctx context.Context, req TransferRequest) (transferRef string, err error)
	Void(ctx context.Context, holdRef, idempotencyKey string) error
	VerifyWebhookSignature(payload []byte, signature string) bool
	ParseEvent(payload []byte) (*Event, error)

	// HoldStatus and FindTransfer let reconciliation learn the real outcome
	// of a call whose response was lost before retrying it.
	HoldStatus(ctx context.Context, holdRef string) (HoldState, error)
	FindTransfer(ctx context.Context, transferGroup string) (transferRef string, found bool, err error)
}

// HoldRequest opens a manual-capture authorization.
type HoldRequest struct {
	AmountCents    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Hold is the processor's answer to CreateHold.
type Hold struct {
	HoldRef      string `json:"holdRef"`
	ClientSecret string `json:"clientSecret,omitempty"`
	// Authorized is true when funds are already on hold. When false the
	// hold is confirmed later through a webhook.
	Authorized bool `json:"authorized"`
}

// TransferRequest moves funds to a connected payout account.
type TransferRequest struct {
	AmountCents    int64
	Currency       string
	Destination    string
	TransferGroup  string
	Metadata       map[string]string
	IdempotencyKey string
}

// HoldState is the processor-side status of a hold.
type HoldState string

const (
	HoldStatePending    HoldState = "pending" // awaiting customer action
	HoldStateAuthorized HoldState = "authorized"
	HoldStateCaptured   HoldState = "captured"
	HoldStateCanceled   HoldState = "canceled"
	HoldStateFailed     HoldState = "failed"
)

// EventType is a normalized processor webhook event type.
type EventType string

const (
	EventHoldConfirmed     EventType = "hold.confirmed"
	EventHoldFailed        EventType = "hold.failed"
	EventHoldCanceled      EventType = "hold.canceled"
	EventCaptureSucceeded  EventType = "capture.succeeded"
	EventCaptureFailed     EventType = "capture.failed"
	EventTransferSucceeded EventType = "transfer.succeeded"
	EventTransferFailed    EventType = "transfer.failed"
	EventIgnored           EventType = "ignored"
)

// Event is a processor webhook after normalization.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	HoldRef     string    `json:"holdRef,omitempty"`
	TransferRef string    `json:"transferRef,omitempty"`
	EscrowID    string    `json:"escrowId,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// ErrMalformedEvent is returned by ParseEvent for payloads it can't decode.
var ErrMalformedEvent = errors.New("malformed processor event")

// ErrorKind classifies processor failures.
type ErrorKind string

const (
	// KindRetryable covers rate limits, 5xx and transport errors.
	KindRetryable ErrorKind = "retryable"
	// KindTerminal covers declines, closed accounts and invalid requests.
	KindTerminal ErrorKind = "terminal"
	// KindUnknown is a timeout: the call may or may not have taken effect.
	KindUnknown ErrorKind = "unknown"
)

// ProcessorError is returned by every Gateway implementation.
type ProcessorError struct {
	Op   string
	Kind ErrorKind
	Code string
	Err  error
}

func (e *ProcessorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor %s failed (%s, %s): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("processor %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// Retryable reports whether the call can be repeated with the same
// idempotency key. Unknown outcomes are retryable.
func (e *ProcessorError) Retryable() bool {
	return e.Kind != KindTerminal
}

// IsTerminal reports whether err is a terminal processor error.
func IsTerminal(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe) && pe.Kind == KindTerminal
}

// IsRetryable reports whether err is a retryable or unknown-outcome
// processor error.
func IsRetryable(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe) && pe.Retryable()
}

// IsUnknownOutcome reports whether err is a timeout whose effect is unknown.
func IsUnknownOutcome(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe) && pe.Kind == KindUnknown
}

// Idempotency keys. Capture uses the escrow id itself.
func HoldKey(escrowID string) string     { return escrowID + ":hold" }
func CaptureKey(escrowID string) string  { return escrowID }
func TransferKey(escrowID string) string { return escrowID + ":transfer" }
func VoidKey(escrowID string) string     { return escrowID + ":void" }

// Package webhooks applies payment processor events to the escrow ledger.
//
// Every event is verified, parsed into a payment.Event and deduplicated on
// its id before anything is written. Hold and capture events move escrows
// through their state machine; transfer events confirm or flag winner
// payouts. Events for holds this service never opened are acknowledged and
// ignored so the processor stops redelivering them.
package webhooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/habitstakes/internal/alerts"
	"github.com/mbd888/habitstakes/internal/escrow"
	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/payment"
	"github.com/mbd888/habitstakes/internal/traces"
)

var (
	webhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitstakes",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Processor webhook events received, by type and result.",
	}, []string{"event_type", "result"})

	webhookRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitstakes",
		Subsystem: "webhook",
		Name:      "rejected_total",
		Help:      "Processor webhook deliveries rejected before parsing.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(webhookEventsTotal, webhookRejected)
}

// Ledger is the part of the escrow ledger webhook events drive.
type Ledger interface {
	ConfirmHold(ctx context.Context, eventID, holdRef string) (*escrow.Escrow, error)
	ObserveCapture(ctx context.Context, eventID, holdRef string) (*escrow.Escrow, error)
	ObserveVoid(ctx context.Context, eventID, holdRef, reason string) (*escrow.Escrow, error)
	FailHold(ctx context.Context, eventID string, typ payment.EventType, holdRef, reason string) (*escrow.Escrow, error)
	RecordTransfer(ctx context.Context, id, transferRef string) (*escrow.Escrow, error)
	EventSeen(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, eventID string, typ payment.EventType) (bool, error)
}

// Verifier authenticates and decodes processor payloads.
type Verifier interface {
	VerifyWebhookSignature(payload []byte, signature string) bool
	ParseEvent(payload []byte) (*payment.Event, error)
}

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Result tells the caller what an event did.
type Result struct {
	EventID   string            `json:"eventId"`
	Type      payment.EventType `json:"type"`
	EscrowID  string            `json:"escrowId,omitempty"`
	Duplicate bool              `json:"duplicate"`
	Ignored   bool              `json:"ignored,omitempty"`
}

// Receiver verifies processor webhooks and applies them.
type Receiver struct {
	ledger   Ledger
	verifier Verifier
	alerts   alerts.Sink
}

// NewReceiver creates a receiver. A nil sink logs alerts.
func NewReceiver(ledger Ledger, verifier Verifier, sink alerts.Sink) *Receiver {
	if sink == nil {
		sink = alerts.NewLogSink(nil)
	}
	return &Receiver{ledger: ledger, verifier: verifier, alerts: sink}
}

// Receive verifies the signature, parses the payload and applies the event.
// It returns ErrInvalidSignature or payment.ErrMalformedEvent for deliveries
// that must be rejected; any other error means the event should be
// redelivered.
func (r *Receiver) Receive(ctx context.Context, payload []byte, signature string) (*Result, error) {
	if !r.verifier.VerifyWebhookSignature(payload, signature) {
		webhookRejected.WithLabelValues("signature").Inc()
		return nil, ErrInvalidSignature
	}
	evt, err := r.verifier.ParseEvent(payload)
	if err != nil {
		webhookRejected.WithLabelValues("malformed").Inc()
		return nil, err
	}
	return r.Apply(ctx, evt)
}

// Apply applies a verified event exactly once.
func (r *Receiver) Apply(ctx context.Context, evt *payment.Event) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "webhooks.Apply")
	defer func() { traces.End(span, err) }()

	res = &Result{EventID: evt.ID, Type: evt.Type}
	defer func() {
		webhookEventsTotal.WithLabelValues(string(evt.Type), resultLabel(res, err)).Inc()
	}()
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", payment.ErrMalformedEvent)
	}

	seen, err := r.ledger.EventSeen(ctx, evt.ID)
	if err != nil {
		return nil, err
	}
	if seen {
		res.Duplicate = true
		return res, nil
	}

	log := logging.L(ctx).With("event_id", evt.ID, "event_type", evt.Type)

	var e *escrow.Escrow
	switch evt.Type {
	case payment.EventHoldConfirmed:
		e, err = r.ledger.ConfirmHold(ctx, evt.ID, evt.HoldRef)
	case payment.EventCaptureSucceeded:
		e, err = r.ledger.ObserveCapture(ctx, evt.ID, evt.HoldRef)
	case payment.EventHoldCanceled:
		e, err = r.ledger.ObserveVoid(ctx, evt.ID, evt.HoldRef, evt.Reason)
	case payment.EventHoldFailed, payment.EventCaptureFailed:
		e, err = r.ledger.FailHold(ctx, evt.ID, evt.Type, evt.HoldRef, evt.Reason)
	case payment.EventTransferSucceeded:
		return r.transferSucceeded(ctx, evt, res)
	case payment.EventTransferFailed:
		r.alerts.Alert(ctx, alerts.Alert{
			Severity: alerts.SeverityWarning,
			Title:    "winner transfer failed at processor",
			EscrowID: evt.EscrowID,
			Err:      fmt.Errorf("transfer %s failed: %s", evt.TransferRef, evt.Reason),
		})
		res.EscrowID = evt.EscrowID
		return r.record(ctx, evt, res)
	default:
		res.Ignored = true
		return r.record(ctx, evt, res)
	}

	if errors.Is(err, escrow.ErrHoldNotFound) {
		log.Info("ignoring event for unknown hold", "hold_ref", evt.HoldRef)
		res.Ignored = true
		return r.record(ctx, evt, res)
	}
	if e != nil {
		res.EscrowID = e.ID
	}
	if err != nil {
		return res, err
	}
	log.Info("processor event applied", "escrow_id", e.ID, "status", e.Status)
	return res, nil
}

func (r *Receiver) transferSucceeded(ctx context.Context, evt *payment.Event, res *Result) (*Result, error) {
	if evt.EscrowID == "" || evt.TransferRef == "" {
		res.Ignored = true
		return r.record(ctx, evt, res)
	}
	res.EscrowID = evt.EscrowID

	_, err := r.ledger.RecordTransfer(ctx, evt.EscrowID, evt.TransferRef)
	switch {
	case err == nil:
	case errors.Is(err, escrow.ErrEscrowNotFound):
		res.Ignored = true
	case errors.Is(err, escrow.ErrTransferMismatch):
		// Two transfers for one escrow means a winner may have been paid twice.
		r.alerts.Alert(ctx, alerts.Alert{
			Severity: alerts.SeverityCritical,
			Title:    "second transfer for escrow",
			EscrowID: evt.EscrowID,
			Err:      err,
		})
	default:
		return res, err
	}
	return r.record(ctx, evt, res)
}

func (r *Receiver) record(ctx context.Context, evt *payment.Event, res *Result) (*Result, error) {
	fresh, err := r.ledger.RecordEvent(ctx, evt.ID, evt.Type)
	if err != nil {
		return res, fmt.Errorf("failed to record event %s: %w", evt.ID, err)
	}
	res.Duplicate = !fresh
	return res, nil
}

func resultLabel(res *Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.Duplicate:
		return "duplicate"
	case res.Ignored:
		return "ignored"
	}
	return "applied"
}

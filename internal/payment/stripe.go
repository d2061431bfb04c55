package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Metadata keys stamped on every processor object.
const (
	MetaEscrowID = "escrow_id"
	MetaStakeID  = "stake_id"
	MetaUserID   = "user_id"
)

// StripeGateway implements Gateway with Stripe PaymentIntents (manual
// capture) for holds and Connect transfers for payouts.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway creates a gateway for the given secret key. A nil
// backends value uses stripe-go's default HTTP backends.
func NewStripeGateway(secretKey, webhookSecret string, backends *stripe.Backends) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeGateway{api: api, webhookSecret: webhookSecret}
}

var _ Gateway = (*StripeGateway)(nil)

func (g *StripeGateway) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripeError(ctx, "create_hold", err)
	}
	return &Hold{
		HoldRef:      pi.ID,
		ClientSecret: pi.ClientSecret,
		Authorized:   pi.Status == stripe.PaymentIntentStatusRequiresCapture,
	}, nil
}

func (g *StripeGateway) Capture(ctx context.Context, holdRef, idempotencyKey string) (int64, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := g.api.PaymentIntents.Capture(holdRef, params)
	if err != nil {
		return 0, classifyStripeError(ctx, "capture", err)
	}
	return pi.AmountReceived, nil
}

func (g *StripeGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.Destination),
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return "", classifyStripeError(ctx, "transfer", err)
	}
	return tr.ID, nil
}

func (g *StripeGateway) Void(ctx context.Context, holdRef, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	if _, err := g.api.PaymentIntents.Cancel(holdRef, params); err != nil {
		return classifyStripeError(ctx, "void", err)
	}
	return nil
}

func (g *StripeGateway) HoldStatus(ctx context.Context, holdRef string) (HoldState, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(holdRef, params)
	if err != nil {
		return "", classifyStripeError(ctx, "hold_status", err)
	}
	return holdStateFromIntent(pi.Status), nil
}

func (g *StripeGateway) FindTransfer(ctx context.Context, transferGroup string) (string, bool, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(transferGroup)}
	params.Context = ctx

	it := g.api.Transfers.List(params)
	for it.Next() {
		tr := it.Transfer()
		if !tr.Reversed {
			return tr.ID, true, nil
		}
	}
	if err := it.Err(); err != nil {
		return "", false, classifyStripeError(ctx, "find_transfer", err)
	}
	return "", false, nil
}

func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	if g.webhookSecret == "" || signature == "" {
		return false
	}
	return webhook.ValidatePayload(payload, signature, g.webhookSecret) == nil
}

// ParseEvent maps Stripe's event types onto the engine's normalized set.
// Events the engine doesn't care about come back as EventIgnored.
func (g *StripeGateway) ParseEvent(payload []byte) (*Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(payload, &se); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if se.ID == "" || se.Data == nil {
		return nil, ErrMalformedEvent
	}

	evt := &Event{ID: se.ID, Type: EventIgnored}
	switch string(se.Type) {
	case "payment_intent.amount_capturable_updated",
		"payment_intent.payment_failed",
		"payment_intent.canceled",
		"payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		evt.HoldRef = pi.ID
		evt.EscrowID = pi.Metadata[MetaEscrowID]
		switch string(se.Type) {
		case "payment_intent.amount_capturable_updated":
			evt.Type = EventHoldConfirmed
		case "payment_intent.succeeded":
			evt.Type = EventCaptureSucceeded
		case "payment_intent.canceled":
			// Our own voids also produce this event.
			evt.Type = EventHoldCanceled
			evt.Reason = string(pi.CancellationReason)
		default:
			evt.Type = EventHoldFailed
			if pi.LastPaymentError != nil {
				evt.Reason = string(pi.LastPaymentError.Code)
			}
		}
	case "transfer.created", "transfer.reversed":
		var tr stripe.Transfer
		if err := json.Unmarshal(se.Data.Raw, &tr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		evt.TransferRef = tr.ID
		evt.EscrowID = tr.Metadata[MetaEscrowID]
		if string(se.Type) == "transfer.created" {
			evt.Type = EventTransferSucceeded
		} else {
			evt.Type = EventTransferFailed
			evt.Reason = "reversed"
		}
	}
	return evt, nil
}

func holdStateFromIntent(s stripe.PaymentIntentStatus) HoldState {
	switch s {
	case stripe.PaymentIntentStatusRequiresCapture:
		return HoldStateAuthorized
	case stripe.PaymentIntentStatusSucceeded:
		return HoldStateCaptured
	case stripe.PaymentIntentStatusCanceled:
		return HoldStateCanceled
	default:
		return HoldStatePending
	}
}

// classifyStripeError sorts a stripe-go error into retryable, terminal or
// unknown. Card errors, invalid requests and idempotency mismatches are
// terminal; rate limits and 5xx are retryable; anything that never got a
// response (deadline, transport) is an unknown outcome.
func classifyStripeError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ProcessorError{Op: op, Kind: KindUnknown, Code: "timeout", Err: err}
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		return &ProcessorError{Op: op, Kind: KindUnknown, Code: "transport", Err: err}
	}

	pe := &ProcessorError{Op: op, Code: string(se.Code), Err: err}
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= 500,
		se.Type == stripe.ErrorTypeAPI:
		pe.Kind = KindRetryable
	case se.Type == stripe.ErrorTypeCard,
		se.Type == stripe.ErrorTypeInvalidRequest,
		se.Type == stripe.ErrorTypeIdempotency:
		pe.Kind = KindTerminal
	case se.HTTPStatusCode >= 400:
		pe.Kind = KindTerminal
	default:
		pe.Kind = KindUnknown
	}
	if pe.Code == "" {
		pe.Code = string(se.Type)
	}
	return pe
}

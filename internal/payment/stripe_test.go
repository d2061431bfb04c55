package payment

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

func TestStripeGateway_VerifyWebhookSignature(t *testing.T) {
	g := NewStripeGateway("sk_test_x", "whsec_test", nil)
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	assert.True(t, g.VerifyWebhookSignature(payload, signed.Header))
	assert.False(t, g.VerifyWebhookSignature(payload, "t=1,v1=bad"))
	assert.False(t, g.VerifyWebhookSignature(payload, ""))

	unsigned := NewStripeGateway("sk_test_x", "", nil)
	assert.False(t, unsigned.VerifyWebhookSignature(payload, signed.Header))
}

func TestStripeGateway_ParseEvent(t *testing.T) {
	g := NewStripeGateway("sk_test_x", "whsec_test", nil)

	tests := []struct {
		name     string
		payload  string
		want     EventType
		holdRef  string
		transfer string
		escrowID string
	}{
		{
			name:     "authorized",
			payload:  `{"id":"evt_1","type":"payment_intent.amount_capturable_updated","data":{"object":{"id":"pi_1","metadata":{"escrow_id":"esc_1"}}}}`,
			want:     EventHoldConfirmed,
			holdRef:  "pi_1",
			escrowID: "esc_1",
		},
		{
			name:    "captured",
			payload: `{"id":"evt_2","type":"payment_intent.succeeded","data":{"object":{"id":"pi_2"}}}`,
			want:    EventCaptureSucceeded,
			holdRef: "pi_2",
		},
		{
			name:    "declined",
			payload: `{"id":"evt_3","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_3","last_payment_error":{"code":"card_declined"}}}}`,
			want:    EventHoldFailed,
			holdRef: "pi_3",
		},
		{
			name:    "canceled",
			payload: `{"id":"evt_7","type":"payment_intent.canceled","data":{"object":{"id":"pi_7","cancellation_reason":"requested_by_customer"}}}`,
			want:    EventHoldCanceled,
			holdRef: "pi_7",
		},
		{
			name:     "transfer",
			payload:  `{"id":"evt_4","type":"transfer.created","data":{"object":{"id":"tr_1","metadata":{"escrow_id":"esc_9"}}}}`,
			want:     EventTransferSucceeded,
			transfer: "tr_1",
			escrowID: "esc_9",
		},
		{
			name:     "reversed",
			payload:  `{"id":"evt_5","type":"transfer.reversed","data":{"object":{"id":"tr_2"}}}`,
			want:     EventTransferFailed,
			transfer: "tr_2",
		},
		{
			name:    "other",
			payload: `{"id":"evt_6","type":"customer.created","data":{"object":{"id":"cus_1"}}}`,
			want:    EventIgnored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := g.ParseEvent([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, evt.Type)
			assert.Equal(t, tt.holdRef, evt.HoldRef)
			assert.Equal(t, tt.transfer, evt.TransferRef)
			assert.Equal(t, tt.escrowID, evt.EscrowID)
		})
	}

	_, err := g.ParseEvent([]byte(`{`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestClassifyStripeError(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"declined", &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, HTTPStatusCode: http.StatusPaymentRequired}, KindTerminal},
		{"invalid request", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusBadRequest}, KindTerminal},
		{"idempotency mismatch", &stripe.Error{Type: stripe.ErrorTypeIdempotency, HTTPStatusCode: http.StatusBadRequest}, KindTerminal},
		{"rate limited", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusTooManyRequests}, KindRetryable},
		{"server error", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: http.StatusBadGateway}, KindRetryable},
		{"transport", errors.New("connection reset"), KindUnknown},
		{"deadline", context.DeadlineExceeded, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStripeError(ctx, "capture", tt.err)
			var pe *ProcessorError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.want, pe.Kind)
			assert.Equal(t, "capture", pe.Op)
		})
	}
}

func TestHoldStateFromIntent(t *testing.T) {
	assert.Equal(t, HoldStateAuthorized, holdStateFromIntent(stripe.PaymentIntentStatusRequiresCapture))
	assert.Equal(t, HoldStateCaptured, holdStateFromIntent(stripe.PaymentIntentStatusSucceeded))
	assert.Equal(t, HoldStateCanceled, holdStateFromIntent(stripe.PaymentIntentStatusCanceled))
	assert.Equal(t, HoldStatePending, holdStateFromIntent(stripe.PaymentIntentStatusRequiresAction))
}

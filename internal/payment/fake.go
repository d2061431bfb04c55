package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// FakeGateway is an in-memory processor. It honours idempotency keys the
// way a real processor does, so tests can assert that retries never cause a
// second capture or transfer.
type FakeGateway struct {
	mu sync.Mutex

	secret            string
	authorizeOnCreate bool
	seq               int

	holds      map[string]*fakeHold // by hold ref
	holdByKey  map[string]string    // idempotency key → hold ref
	transfers  map[string]*FakeTransfer
	transferBy map[string]string // idempotency key → transfer ref

	captureEffects map[string]int // hold ref → captures actually applied
	failures       map[string][]scriptedFailure
}

type fakeHold struct {
	ref        string
	amount     int64
	state      HoldState
	captureKey string
	metadata   map[string]string
}

// FakeTransfer is a transfer recorded by FakeGateway.
type FakeTransfer struct {
	Ref           string
	AmountCents   int64
	Destination   string
	TransferGroup string
	Metadata      map[string]string
}

type scriptedFailure struct {
	err error
	// applied means the call takes effect before the error is returned, the
	// way a response lost on the wire looks to the caller.
	applied bool
}

// NewFakeGateway returns a fake whose webhooks are signed with secret.
// Holds are authorized immediately unless SetAuthorizeOnCreate(false).
func NewFakeGateway(secret string) *FakeGateway {
	return &FakeGateway{
		secret:            secret,
		authorizeOnCreate: true,
		holds:             make(map[string]*fakeHold),
		holdByKey:         make(map[string]string),
		transfers:         make(map[string]*FakeTransfer),
		transferBy:        make(map[string]string),
		captureEffects:    make(map[string]int),
		failures:          make(map[string][]scriptedFailure),
	}
}

var _ Gateway = (*FakeGateway)(nil)

// SetAuthorizeOnCreate controls whether new holds start authorized or wait
// for Authorize (the customer completing the payment sheet).
func (f *FakeGateway) SetAuthorizeOnCreate(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizeOnCreate = v
}

// FailNext makes the next call to op fail with err without taking effect.
// Ops: create_hold, capture, transfer, void, hold_status, find_transfer.
func (f *FakeGateway) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], scriptedFailure{err: err})
}

// LoseResponse makes the next call to op take effect at the processor but
// return a timeout to the caller.
func (f *FakeGateway) LoseResponse(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], scriptedFailure{
		err:     &ProcessorError{Op: op, Kind: KindUnknown, Code: "timeout", Err: context.DeadlineExceeded},
		applied: true,
	})
}

// RetryableError and TerminalError build errors for FailNext.
func RetryableError(op string) error {
	return &ProcessorError{Op: op, Kind: KindRetryable, Code: "rate_limit", Err: errors.New("processor unavailable")}
}

func TerminalError(op, code string) error {
	return &ProcessorError{Op: op, Kind: KindTerminal, Code: code, Err: errors.New(code)}
}

func (f *FakeGateway) nextFailure(op string) (scriptedFailure, bool) {
	q := f.failures[op]
	if len(q) == 0 {
		return scriptedFailure{}, false
	}
	f.failures[op] = q[1:]
	return q[0], true
}

func (f *FakeGateway) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ProcessorError{Op: "create_hold", Kind: KindUnknown, Code: "timeout", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	sf, failing := f.nextFailure("create_hold")
	if failing && !sf.applied {
		return nil, sf.err
	}

	h, ok := f.holds[f.holdByKey[req.IdempotencyKey]]
	if !ok {
		f.seq++
		h = &fakeHold{
			ref:      fmt.Sprintf("pi_fake_%d", f.seq),
			amount:   req.AmountCents,
			state:    HoldStatePending,
			metadata: req.Metadata,
		}
		if f.authorizeOnCreate {
			h.state = HoldStateAuthorized
		}
		f.holds[h.ref] = h
		f.holdByKey[req.IdempotencyKey] = h.ref
	}
	if failing {
		return nil, sf.err
	}
	return &Hold{
		HoldRef:      h.ref,
		ClientSecret: h.ref + "_secret",
		Authorized:   h.state == HoldStateAuthorized,
	}, nil
}

// Authorize simulates the customer completing authentication for a hold.
func (f *FakeGateway) Authorize(holdRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.holds[holdRef]
	if !ok {
		return fmt.Errorf("unknown hold %s", holdRef)
	}
	if h.state == HoldStatePending {
		h.state = HoldStateAuthorized
	}
	return nil
}

// Decline simulates the card failing authorization.
func (f *FakeGateway) Decline(holdRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.holds[holdRef]
	if !ok {
		return fmt.Errorf("unknown hold %s", holdRef)
	}
	h.state = HoldStateFailed
	return nil
}

func (f *FakeGateway) Capture(ctx context.Context, holdRef, idempotencyKey string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &ProcessorError{Op: "capture", Kind: KindUnknown, Code: "timeout", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	sf, failing := f.nextFailure("capture")
	if failing && !sf.applied {
		return 0, sf.err
	}

	h, ok := f.holds[holdRef]
	if !ok {
		return 0, TerminalError("capture", "resource_missing")
	}
	switch h.state {
	case HoldStateAuthorized:
		h.state = HoldStateCaptured
		h.captureKey = idempotencyKey
		f.captureEffects[holdRef]++
	case HoldStateCaptured:
		if h.captureKey != idempotencyKey {
			return 0, TerminalError("capture", "payment_intent_unexpected_state")
		}
	default:
		return 0, TerminalError("capture", "payment_intent_unexpected_state")
	}
	if failing {
		return 0, sf.err
	}
	return h.amount, nil
}

func (f *FakeGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ProcessorError{Op: "transfer", Kind: KindUnknown, Code: "timeout", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	sf, failing := f.nextFailure("transfer")
	if failing && !sf.applied {
		return "", sf.err
	}
	if req.Destination == "" {
		return "", TerminalError("transfer", "account_invalid")
	}

	ref, ok := f.transferBy[req.IdempotencyKey]
	if !ok {
		f.seq++
		ref = fmt.Sprintf("tr_fake_%d", f.seq)
		f.transfers[ref] = &FakeTransfer{
			Ref:           ref,
			AmountCents:   req.AmountCents,
			Destination:   req.Destination,
			TransferGroup: req.TransferGroup,
			Metadata:      req.Metadata,
		}
		f.transferBy[req.IdempotencyKey] = ref
	}
	if failing {
		return "", sf.err
	}
	return ref, nil
}

func (f *FakeGateway) Void(ctx context.Context, holdRef, idempotencyKey string) error {
	if err := ctx.Err(); err != nil {
		return &ProcessorError{Op: "void", Kind: KindUnknown, Code: "timeout", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	sf, failing := f.nextFailure("void")
	if failing && !sf.applied {
		return sf.err
	}

	h, ok := f.holds[holdRef]
	if !ok {
		return TerminalError("void", "resource_missing")
	}
	switch h.state {
	case HoldStatePending, HoldStateAuthorized:
		h.state = HoldStateCanceled
	case HoldStateCanceled:
	default:
		return TerminalError("void", "payment_intent_unexpected_state")
	}
	if failing {
		return sf.err
	}
	return nil
}

func (f *FakeGateway) HoldStatus(ctx context.Context, holdRef string) (HoldState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sf, failing := f.nextFailure("hold_status"); failing {
		return "", sf.err
	}
	h, ok := f.holds[holdRef]
	if !ok {
		return "", TerminalError("hold_status", "resource_missing")
	}
	return h.state, nil
}

func (f *FakeGateway) FindTransfer(ctx context.Context, transferGroup string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sf, failing := f.nextFailure("find_transfer"); failing {
		return "", false, sf.err
	}
	for _, tr := range f.transfers {
		if tr.TransferGroup == transferGroup {
			return tr.Ref, true, nil
		}
	}
	return "", false, nil
}

// CaptureCount is the number of captures that actually moved money for
// holdRef. Anything above one is a double charge.
func (f *FakeGateway) CaptureCount(holdRef string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captureEffects[holdRef]
}

// HoldState returns the processor-side state of a hold.
func (f *FakeGateway) HoldState(holdRef string) HoldState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.holds[holdRef]; ok {
		return h.state
	}
	return ""
}

// Transfers returns every transfer made, ordered by destination.
func (f *FakeGateway) Transfers() []FakeTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeTransfer, 0, len(f.transfers))
	for _, tr := range f.transfers {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Destination != out[j].Destination {
			return out[i].Destination < out[j].Destination
		}
		return out[i].Ref < out[j].Ref
	})
	return out
}

// Sign returns the hex HMAC-SHA256 of payload under the webhook secret.
func (f *FakeGateway) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(f.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *FakeGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	if f.secret == "" || signature == "" {
		return false
	}
	expected := f.Sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignedEvent encodes evt the way ParseEvent expects and signs it.
func (f *FakeGateway) SignedEvent(evt Event) (payload []byte, signature string) {
	payload, _ = json.Marshal(evt)
	return payload, f.Sign(payload)
}

func (f *FakeGateway) ParseEvent(payload []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, ErrMalformedEvent
	}
	return &evt, nil
}

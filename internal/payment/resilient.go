package payment

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbd888/habitstakes/internal/circuitbreaker"
	"github.com/mbd888/habitstakes/internal/logging"
)

// ResilientOptions configures the Resilient wrapper.
type ResilientOptions struct {
	Timeout          time.Duration // per call
	RPS              float64
	Burst            int
	BreakerThreshold int
	BreakerOpenFor   time.Duration
}

// Resilient decorates a Gateway with a per-call timeout, a per-operation
// circuit breaker and a shared rate limiter, and normalizes every failure to
// a *ProcessorError.
type Resilient struct {
	next    Gateway
	timeout time.Duration
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
}

// NewResilient wraps next.
func NewResilient(next Gateway, opts ResilientOptions) *Resilient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Resilient{
		next:    next,
		timeout: opts.Timeout,
		limiter: rate.NewLimiter(limit, opts.Burst),
		breaker: circuitbreaker.New(opts.BreakerThreshold, opts.BreakerOpenFor),
	}
}

var _ Gateway = (*Resilient)(nil)

// Breaker exposes the circuit breaker for health checks.
func (r *Resilient) Breaker() *circuitbreaker.Breaker { return r.breaker }

// tripsBreaker reports whether err says something about processor health.
// Declines and invalid requests are the caller's problem.
func tripsBreaker(err error) bool {
	return !IsTerminal(err)
}

func (r *Resilient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() { processorLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	if err := r.limiter.Wait(ctx); err != nil {
		processorCalls.WithLabelValues(op, "rate_limited").Inc()
		return &ProcessorError{Op: op, Kind: KindRetryable, Code: "rate_limited", Err: err}
	}

	err := r.breaker.Execute(op, tripsBreaker, func() error {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return normalize(cctx, op, fn(cctx))
	})

	switch {
	case err == nil:
		processorCalls.WithLabelValues(op, "ok").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		processorCalls.WithLabelValues(op, "circuit_open").Inc()
		return &ProcessorError{Op: op, Kind: KindRetryable, Code: "circuit_open", Err: err}
	default:
		var pe *ProcessorError
		if errors.As(err, &pe) {
			processorCalls.WithLabelValues(op, string(pe.Kind)).Inc()
			logging.L(ctx).Warn("processor call failed", "op", op, "kind", pe.Kind, "code", pe.Code, "error", pe.Err)
		}
	}
	return err
}

// normalize turns any error from the wrapped gateway into a ProcessorError.
// A deadline hit on our side is always an unknown outcome.
func normalize(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ProcessorError{Op: op, Kind: KindUnknown, Code: "timeout", Err: err}
	}
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return err
	}
	return &ProcessorError{Op: op, Kind: KindUnknown, Code: "transport", Err: err}
}

func (r *Resilient) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	var hold *Hold
	err := r.call(ctx, "create_hold", func(ctx context.Context) error {
		var err error
		hold, err = r.next.CreateHold(ctx, req)
		return err
	})
	return hold, err
}

func (r *Resilient) Capture(ctx context.Context, holdRef, idempotencyKey string) (int64, error) {
	var amount int64
	err := r.call(ctx, "capture", func(ctx context.Context) error {
		var err error
		amount, err = r.next.Capture(ctx, holdRef, idempotencyKey)
		return err
	})
	return amount, err
}

func (r *Resilient) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	var ref string
	err := r.call(ctx, "transfer", func(ctx context.Context) error {
		var err error
		ref, err = r.next.Transfer(ctx, req)
		return err
	})
	return ref, err
}

func (r *Resilient) Void(ctx context.Context, holdRef, idempotencyKey string) error {
	return r.call(ctx, "void", func(ctx context.Context) error {
		return r.next.Void(ctx, holdRef, idempotencyKey)
	})
}

func (r *Resilient) HoldStatus(ctx context.Context, holdRef string) (HoldState, error) {
	var st HoldState
	err := r.call(ctx, "hold_status", func(ctx context.Context) error {
		var err error
		st, err = r.next.HoldStatus(ctx, holdRef)
		return err
	})
	return st, err
}

func (r *Resilient) FindTransfer(ctx context.Context, transferGroup string) (string, bool, error) {
	var (
		ref   string
		found bool
	)
	err := r.call(ctx, "find_transfer", func(ctx context.Context) error {
		var err error
		ref, found, err = r.next.FindTransfer(ctx, transferGroup)
		return err
	})
	return ref, found, err
}

func (r *Resilient) VerifyWebhookSignature(payload []byte, signature string) bool {
	return r.next.VerifyWebhookSignature(payload, signature)
}

func (r *Resilient) ParseEvent(payload []byte) (*Event, error) {
	return r.next.ParseEvent(payload)
}

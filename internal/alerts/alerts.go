// Package alerts raises operator alerts: the only path by which a human is
// pulled into a stuck settlement.
package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/habitstakes/internal/logging"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert names what needs operator attention.
type Alert struct {
	Severity    Severity
	Title       string
	ChallengeID string
	EscrowID    string
	Err         error
}

// Sink delivers alerts. Implementations must not block for long.
type Sink interface {
	Alert(ctx context.Context, a Alert)
}

var alertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "habitstakes",
	Name:      "alerts_raised_total",
	Help:      "Operator alerts raised, by severity.",
}, []string{"severity"})

func init() {
	prometheus.MustRegister(alertsRaised)
}

// LogSink writes alerts as error logs. Used when Sentry isn't configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Alert(ctx context.Context, a Alert) {
	alertsRaised.WithLabelValues(string(a.Severity)).Inc()
	logger := s.logger
	if logger == nil {
		logger = logging.L(ctx)
	}
	logger.Error("OPERATOR ALERT: "+a.Title, attrs(a)...)
}

// SentrySink reports alerts to Sentry and mirrors them to the log.
type SentrySink struct {
	hub *sentry.Hub
	log *LogSink
}

// NewSentrySink creates a Sentry-backed sink. opts.Dsn must be set for
// events to leave the process.
func NewSentrySink(opts sentry.ClientOptions, logger *slog.Logger) (*SentrySink, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &SentrySink{
		hub: sentry.NewHub(client, sentry.NewScope()),
		log: NewLogSink(logger),
	}, nil
}

func (s *SentrySink) Alert(ctx context.Context, a Alert) {
	s.log.Alert(ctx, a)

	s.hub.WithScope(func(scope *sentry.Scope) {
		level := sentry.LevelError
		if a.Severity == SeverityCritical {
			level = sentry.LevelFatal
		}
		scope.SetLevel(level)
		if a.ChallengeID != "" {
			scope.SetTag("challenge_id", a.ChallengeID)
		}
		if a.EscrowID != "" {
			scope.SetTag("escrow_id", a.EscrowID)
		}
		if id := logging.RequestID(ctx); id != "" {
			scope.SetTag("request_id", id)
		}
		scope.SetFingerprint([]string{a.Title, a.ChallengeID, a.EscrowID})

		if a.Err != nil {
			scope.SetContext("alert", sentry.Context{"title": a.Title})
			s.hub.CaptureException(a.Err)
			return
		}
		s.hub.CaptureMessage(a.Title)
	})
}

// Flush waits for buffered events to be sent.
func (s *SentrySink) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}

func attrs(a Alert) []any {
	out := []any{"severity", string(a.Severity)}
	if a.ChallengeID != "" {
		out = append(out, "challenge_id", a.ChallengeID)
	}
	if a.EscrowID != "" {
		out = append(out, "escrow_id", a.EscrowID)
	}
	if a.Err != nil {
		out = append(out, "error", a.Err)
	}
	return out
}

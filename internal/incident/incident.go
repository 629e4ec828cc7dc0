// Package incident surfaces typed command failures to operators.
package incident

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/roach88/mibody/internal/ir"
)

// Reporter receives every incident the engine raises. err is the typed
// failure behind the incident and may be nil.
type Reporter interface {
	Report(ctx context.Context, inc ir.Incident, err error)
}

// Nop discards incidents.
type Nop struct{}

func (Nop) Report(context.Context, ir.Incident, error) {}

// LogReporter writes incidents to a zap logger at error level.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter logging to l.
func NewLogReporter(l *zap.Logger) *LogReporter {
	return &LogReporter{logger: l}
}

func (r *LogReporter) Report(_ context.Context, inc ir.Incident, err error) {
	r.logger.Error("incident",
		zap.String("code", inc.Code),
		zap.String("body_key", inc.BodyKey),
		zap.String("command_id", inc.CommandID),
		zap.Int64("seq", inc.Seq),
		zap.String("message", inc.Message),
		zap.Error(err),
	)
}

// SentryReporter sends incidents to Sentry as exceptions tagged with the
// incident code and body key.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter creates a reporter with its own client and hub, so it
// never touches the global sentry hub.
func NewSentryReporter(opts sentry.ClientOptions) (*SentryReporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) Report(_ context.Context, inc ir.Incident, err error) {
	if err == nil {
		err = errors.New(inc.Message)
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("incident.code", inc.Code)
		scope.SetTag("body_key", inc.BodyKey)
		scope.SetContext("incident", sentry.Context{
			"command_id": inc.CommandID,
			"seq":        inc.Seq,
			"message":    inc.Message,
		})
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// Multi reports to every reporter in order.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, inc ir.Incident, err error) {
	for _, r := range m {
		r.Report(ctx, inc, err)
	}
}

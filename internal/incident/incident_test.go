package incident

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/mibody/internal/ir"
)

var testIncident = ir.Incident{
	Seq:       12,
	BodyKey:   "body-1",
	CommandID: "cmd-1",
	Code:      "COMPLETION_CONDITION_EVALUATION_FAILED",
	Message:   "completion condition of element \"task\": expected bool, got int",
}

func TestLogReporter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := NewLogReporter(zap.New(core))

	r.Report(context.Background(), testIncident, errors.New("boom"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, testIncident.Code, fields["code"])
	assert.Equal(t, "body-1", fields["body_key"])
	assert.Equal(t, int64(12), fields["seq"])
	assert.Equal(t, "boom", fields["error"])
}

type captured struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (c *captured) beforeSend(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func TestSentryReporter(t *testing.T) {
	c := &captured{}
	r, err := NewSentryReporter(sentry.ClientOptions{
		SampleRate: 1.0,
		BeforeSend: c.beforeSend,
	})
	require.NoError(t, err)

	r.Report(context.Background(), testIncident, errors.New("expected bool, got int"))
	r.Flush(time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.events, 1)
	ev := c.events[0]
	assert.Equal(t, sentry.LevelError, ev.Level)
	assert.Equal(t, testIncident.Code, ev.Tags["incident.code"])
	assert.Equal(t, "body-1", ev.Tags["body_key"])
	require.NotEmpty(t, ev.Exception)
	assert.Equal(t, "expected bool, got int", ev.Exception[len(ev.Exception)-1].Value)
	assert.Equal(t, "cmd-1", ev.Contexts["incident"]["command_id"])
}

func TestSentryReporterWithoutError(t *testing.T) {
	c := &captured{}
	r, err := NewSentryReporter(sentry.ClientOptions{SampleRate: 1.0, BeforeSend: c.beforeSend})
	require.NoError(t, err)

	r.Report(context.Background(), testIncident, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.events, 1)
	assert.Equal(t, testIncident.Message, c.events[0].Exception[0].Value)
}

type recorder struct {
	got []ir.Incident
}

func (r *recorder) Report(_ context.Context, inc ir.Incident, _ error) {
	r.got = append(r.got, inc)
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, Nop{}, b}

	m.Report(context.Background(), testIncident, nil)

	assert.Equal(t, []ir.Incident{testIncident}, a.got)
	assert.Equal(t, []ir.Incident{testIncident}, b.got)
}

package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/replyflow/internal/runtime/logging"
)

func TestCommandHooksAroundRunRequest(t *testing.T) {
	var started, done CommandContext
	hooks := CommandHooks{
		OnCommandStart: func(ctx CommandContext) { started = ctx },
		OnCommandDone:  func(ctx CommandContext) { done = ctx },
	}
	e := newEngine(t, &funcHandler{
		execute: func(*RequestContext, string, Data, State) (Outcome, State, error) {
			time.Sleep(5 * time.Millisecond)
			return Reply(nil), nil, nil
		},
	}, WithHooks(hooks))

	rc := NewRequestContext(nil)
	rc.TID = "tid-1"
	_, _, err := e.RunRequest("svc", "cmd", nil, rc, nil)
	require.NoError(t, err)

	assert.Equal(t, "svc", started.ServiceID)
	assert.Equal(t, "cmd", started.Command)
	assert.Equal(t, "tid-1", started.TID)
	assert.False(t, started.StartedAt.IsZero())
	assert.Equal(t, KindReply, done.Outcome.Kind())
	assert.GreaterOrEqual(t, done.Duration, 5*time.Millisecond)
	assert.NotNil(t, done.Context)
}

func TestCommandHooksOnError(t *testing.T) {
	boom := errors.New("boom")
	var gotErr error
	e := newEngine(t, &funcHandler{
		execute: func(*RequestContext, string, Data, State) (Outcome, State, error) {
			return Outcome{}, nil, boom
		},
	}, WithHooks(AlertingHooks(func(_ CommandContext, err error) { gotErr = err })))

	_, _, err := e.RunRequest("svc", "cmd", nil, NewRequestContext(nil), nil)
	require.Error(t, err)
	assert.ErrorIs(t, gotErr, boom)
}

func TestCommandHooksMerge(t *testing.T) {
	var order []string
	first := CommandHooks{OnCommandStart: func(CommandContext) { order = append(order, "first") }}
	second := CommandHooks{
		OnCommandStart: func(CommandContext) { order = append(order, "second") },
		OnCommandError: func(CommandContext, error) { order = append(order, "error") },
	}
	merged := first.Merge(second)

	merged.OnCommandStart(CommandContext{})
	merged.OnCommandError(CommandContext{}, errors.New("x"))
	assert.Equal(t, []string{"first", "second", "error"}, order)
	assert.Nil(t, merged.OnCommandDone)
}

func TestMetricsHooks(t *testing.T) {
	var starts, errs int
	var kinds []Kind
	hooks := MetricsHooks(
		func(string, string) { starts++ },
		func(_ string, _ string, kind Kind, _ time.Duration) { kinds = append(kinds, kind) },
		func(string, string) { errs++ },
	)
	e := newEngine(t, PassThrough{}, WithHooks(hooks))
	_, _, err := e.RunRequest("svc", "cmd", nil, NewRequestContext(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, starts)
	assert.Equal(t, []Kind{KindError}, kinds)
	assert.Equal(t, 0, errs)
}

func TestLoggingHooks(t *testing.T) {
	logger := &recordingLogger{}
	e := newEngine(t, PassThrough{}, WithHooks(LoggingHooks(logger)))
	_, _, err := e.RunRequest("svc", "cmd", nil, NewRequestContext(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Command started", "Command completed"}, logger.debug)
}

type recordingLogger struct {
	debug []string
}

func (l *recordingLogger) With(logging.LogFields) logging.ServiceLogger { return l }
func (l *recordingLogger) Debug(msg string, _ logging.LogFields)        { l.debug = append(l.debug, msg) }
func (l *recordingLogger) Info(string, logging.LogFields)               {}
func (l *recordingLogger) Error(string, error, logging.LogFields)       {}
func (l *recordingLogger) Trace(string, logging.LogFields)              {}

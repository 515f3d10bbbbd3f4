package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/replyflow/internal/runtime/correlation"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
)

type funcHandler struct {
	PassThrough
	parse     func(rc *RequestContext, name string, data Data, state State) (ParseResult, State, error)
	authorize func(rc *RequestContext, cmd string, data Data, state State) (bool, State, error)
	execute   func(rc *RequestContext, cmd string, data Data, state State) (Outcome, State, error)
	event     func(rc *RequestContext, name string, data Data, state State) (Outcome, State, error)
	result    func(rc *RequestContext, token string, data Data, state State) (Data, State, error)
}

func (h *funcHandler) Parse(rc *RequestContext, name string, data Data, state State) (ParseResult, State, error) {
	if h.parse != nil {
		return h.parse(rc, name, data, state)
	}
	return h.PassThrough.Parse(rc, name, data, state)
}

func (h *funcHandler) Authorize(rc *RequestContext, cmd string, data Data, state State) (bool, State, error) {
	if h.authorize != nil {
		return h.authorize(rc, cmd, data, state)
	}
	return h.PassThrough.Authorize(rc, cmd, data, state)
}

func (h *funcHandler) Execute(rc *RequestContext, cmd string, data Data, state State) (Outcome, State, error) {
	if h.execute != nil {
		return h.execute(rc, cmd, data, state)
	}
	return h.PassThrough.Execute(rc, cmd, data, state)
}

func (h *funcHandler) HandleEvent(rc *RequestContext, name string, data Data, state State) (Outcome, State, error) {
	if h.event != nil {
		return h.event(rc, name, data, state)
	}
	return h.PassThrough.HandleEvent(rc, name, data, state)
}

func (h *funcHandler) HandleResult(rc *RequestContext, token string, data Data, state State) (Data, State, error) {
	if h.result != nil {
		return h.result(rc, token, data, state)
	}
	return h.PassThrough.HandleResult(rc, token, data, state)
}

var xSchema = MustSchema(&jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"x": {Type: "number"},
	},
	Required: []string{"x"},
})

func echoHandler() *funcHandler {
	return &funcHandler{
		parse: func(*RequestContext, string, Data, State) (ParseResult, State, error) {
			return WithSchema(xSchema), nil, nil
		},
		execute: func(_ *RequestContext, _ string, data Data, _ State) (Outcome, State, error) {
			return Reply(data), nil, nil
		},
	}
}

func newEngine(t *testing.T, h Handler, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(h, opts...)
	require.NoError(t, err)
	return e
}

func TestNewEngineRequiresHandler(t *testing.T) {
	_, err := NewEngine(nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
}

func TestRunRequestEcho(t *testing.T) {
	e := newEngine(t, echoHandler())
	rc := NewRequestContext(context.Background())

	outcome, _, err := e.RunRequest("svc", "echo", Data{"x": float64(1)}, rc, nil)
	require.NoError(t, err)
	assert.Equal(t, KindReply, outcome.Kind())
	assert.Equal(t, Data{"x": float64(1)}, outcome.Reply())
	assert.Equal(t, "echo", rc.Command)
}

func TestRunRequestEchoesUnknownFields(t *testing.T) {
	e := newEngine(t, echoHandler())
	rc := NewRequestContext(context.Background())

	outcome, _, err := e.RunRequest("svc", "echo", Data{"x": float64(1), "zeta": true, "alpha": "a"}, rc, nil)
	require.NoError(t, err)
	require.Equal(t, KindReply, outcome.Kind())
	assert.Equal(t, float64(1), outcome.Reply()["x"])
	assert.Equal(t, []string{"alpha", "zeta"}, outcome.Reply()[UnknownFieldsKey])
	assert.NotContains(t, rc.Data, "zeta", "unknown fields are not passed to execute")
}

func TestRunRequestValidationFailure(t *testing.T) {
	executed := false
	h := echoHandler()
	h.execute = func(*RequestContext, string, Data, State) (Outcome, State, error) {
		executed = true
		return Reply(nil), nil, nil
	}
	e := newEngine(t, h)

	outcome, _, err := e.RunRequest("svc", "echo", Data{"x": "not a number"}, NewRequestContext(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, KindError, outcome.Kind())
	assert.Equal(t, CodeValidationFailed, outcome.Code())
	assert.False(t, executed)

	outcome, _, err = e.RunRequest("svc", "echo", Data{}, NewRequestContext(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, CodeValidationFailed, outcome.Code(), "missing required field")
}

func TestRunRequestUnauthorized(t *testing.T) {
	executed := false
	e := newEngine(t, &funcHandler{
		authorize: func(*RequestContext, string, Data, State) (bool, State, error) {
			return false, "denied-state", nil
		},
		execute: func(*RequestContext, string, Data, State) (Outcome, State, error) {
			executed = true
			return Reply(nil), nil, nil
		},
	})

	outcome, state, err := e.RunRequest("svc", "secret", nil, NewRequestContext(nil), "initial")
	require.NoError(t, err)
	assert.Equal(t, Error(CodeUnauthorized), outcome)
	assert.Equal(t, "denied-state", state)
	assert.False(t, executed)
}

func TestRunRequestThreadsState(t *testing.T) {
	var seen []State
	e := newEngine(t, &funcHandler{
		parse: func(_ *RequestContext, _ string, data Data, state State) (ParseResult, State, error) {
			seen = append(seen, state)
			return Parsed(data), "parsed", nil
		},
		authorize: func(_ *RequestContext, _ string, _ Data, state State) (bool, State, error) {
			seen = append(seen, state)
			return true, nil, nil
		},
		execute: func(_ *RequestContext, _ string, _ Data, state State) (Outcome, State, error) {
			seen = append(seen, state)
			return Login("user-7", Data{"welcome": true}), "logged-in", nil
		},
	})
	rc := NewRequestContext(nil)

	outcome, state, err := e.RunRequest("svc", "login", nil, rc, "start")
	require.NoError(t, err)
	assert.Equal(t, []State{"start", "parsed", "parsed"}, seen)
	assert.Equal(t, "logged-in", state)
	assert.Equal(t, KindLogin, outcome.Kind())
	assert.Equal(t, "user-7", rc.UserID)
}

func TestRunRequestParseHalt(t *testing.T) {
	tests := []struct {
		name    string
		halt    Outcome
		wantErr bool
	}{
		{"status", Status(http.StatusTeapot), false},
		{"error", Error(CodeBadCommand), false},
		{"stop", Stop("bye", nil), false},
		{"reply is not a halt", Reply(nil), true},
		{"ack is not a halt", Ack(nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, &funcHandler{
				parse: func(*RequestContext, string, Data, State) (ParseResult, State, error) {
					return Halt(tt.halt), nil, nil
				},
			})
			outcome, _, err := e.RunRequest("svc", "cmd", nil, NewRequestContext(nil), nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, errspkg.ErrInvalidOutcome)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.halt, outcome)
		})
	}
}

func TestRunRequestAck(t *testing.T) {
	sup := correlation.NewSupervisor(nil)
	worker := sup.Spawn(context.Background(), "w", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	defer worker.Kill(nil)

	e := newEngine(t, &funcHandler{
		execute: func(*RequestContext, string, Data, State) (Outcome, State, error) {
			return Ack(worker), nil, nil
		},
	})
	outcome, _, err := e.RunRequest("svc", "slow", Data{"unknown": 1}, NewRequestContext(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, KindAck, outcome.Kind())
	assert.Equal(t, worker.ID(), outcome.Worker().ID())
	assert.Nil(t, outcome.Reply())
}

func TestAckWithNilHandleHasNoWorker(t *testing.T) {
	var handle *correlation.WorkerHandle
	outcome := Ack(handle)
	assert.Equal(t, KindAck, outcome.Kind())
	assert.Nil(t, outcome.Worker())
}

func TestRunRequestCallbackErrors(t *testing.T) {
	boom := errors.New("boom")
	e := newEngine(t, &funcHandler{
		execute: func(*RequestContext, string, Data, State) (Outcome, State, error) {
			return Outcome{}, nil, boom
		},
	})
	_, _, err := e.RunRequest("svc", "explode", nil, NewRequestContext(nil), nil)
	require.ErrorIs(t, err, boom)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "execute", stageErr.Stage)
	assert.Equal(t, "explode", stageErr.Command)
}

func TestRunRequestInvalidOutcome(t *testing.T) {
	e := newEngine(t, &funcHandler{
		execute: func(*RequestContext, string, Data, State) (Outcome, State, error) {
			return Outcome{}, nil, nil
		},
	})
	_, _, err := e.RunRequest("svc", "cmd", nil, NewRequestContext(nil), nil)
	assert.ErrorIs(t, err, errspkg.ErrInvalidOutcome)
}

func TestRunRequestDoesNotRecoverPanics(t *testing.T) {
	e := newEngine(t, &funcHandler{
		execute: func(*RequestContext, string, Data, State) (Outcome, State, error) {
			panic("callback fault")
		},
	})
	assert.PanicsWithValue(t, "callback fault", func() {
		_, _, _ = e.RunRequest("svc", "cmd", nil, NewRequestContext(nil), nil)
	})
}

func TestPassThroughRejectsCommands(t *testing.T) {
	e := newEngine(t, PassThrough{})
	outcome, _, err := e.RunRequest("svc", "anything", nil, NewRequestContext(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, Error(CodeBadCommand), outcome)
}

func TestRunEvent(t *testing.T) {
	var got Data
	e := newEngine(t, &funcHandler{
		authorize: func(*RequestContext, string, Data, State) (bool, State, error) {
			t.Fatal("events are not authorized")
			return false, nil, nil
		},
		event: func(_ *RequestContext, _ string, data Data, _ State) (Outcome, State, error) {
			got = data
			return Reply(nil), nil, nil
		},
	})

	outcome, _, err := e.RunEvent("svc", "tick", Data{"n": 1}, NewRequestContext(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, KindReply, outcome.Kind())
	assert.Equal(t, Data{"n": 1}, got)
}

func TestRunEventRejectsCommandOutcomes(t *testing.T) {
	e := newEngine(t, &funcHandler{
		event: func(*RequestContext, string, Data, State) (Outcome, State, error) {
			return Ack(nil), nil, nil
		},
	})
	_, _, err := e.RunEvent("svc", "tick", nil, NewRequestContext(nil), nil)
	assert.ErrorIs(t, err, errspkg.ErrInvalidOutcome)
}

func TestRunEventDoesNotEchoUnknownFields(t *testing.T) {
	e := newEngine(t, &funcHandler{
		parse: func(*RequestContext, string, Data, State) (ParseResult, State, error) {
			return WithSchema(xSchema), nil, nil
		},
		event: func(_ *RequestContext, _ string, data Data, _ State) (Outcome, State, error) {
			return Reply(data), nil, nil
		},
	})
	outcome, _, err := e.RunEvent("svc", "tick", Data{"x": float64(2), "extra": 1}, NewRequestContext(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, Data{"x": float64(2)}, outcome.Reply())
}

func TestMergeUnknown(t *testing.T) {
	reply := Data{"a": 1}
	merged := MergeUnknown(reply, []string{"b"})
	assert.Equal(t, Data{"a": 1, UnknownFieldsKey: []string{"b"}}, merged)
	assert.NotContains(t, reply, UnknownFieldsKey)

	assert.Equal(t, Data{UnknownFieldsKey: []string{"b"}}, MergeUnknown(nil, []string{"b"}))
	assert.Nil(t, MergeUnknown(nil, nil))
}

func TestAsyncResults(t *testing.T) {
	e := newEngine(t, &funcHandler{
		result: func(_ *RequestContext, _ string, data Data, _ State) (Data, State, error) {
			return Data{"decoded": data["raw"]}, nil, nil
		},
	})

	matched, _, err := e.ResolveAsyncResult(nil, "nobody", Data{"raw": 1}, nil)
	require.NoError(t, err)
	assert.False(t, matched, "unmatched result is a no-op")

	ch, cancel := e.ExpectResult("op-1")
	defer cancel()
	assert.Equal(t, 1, e.PendingResults())

	matched, _, err = e.ResolveAsyncResult(nil, "op-1", Data{"raw": 42}, nil)
	require.NoError(t, err)
	assert.True(t, matched)

	select {
	case got := <-ch:
		assert.Equal(t, Data{"decoded": 42}, got)
	case <-time.After(time.Second):
		t.Fatal("caller was not resumed")
	}
	assert.Equal(t, 0, e.PendingResults())

	matched, _, _ = e.ResolveAsyncResult(nil, "op-1", Data{"raw": 43}, nil)
	assert.False(t, matched, "a token resolves once")
}

func TestAwaitResult(t *testing.T) {
	e := newEngine(t, PassThrough{})
	_, cancel := e.ExpectResult("op-2")
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _, _ = e.ResolveAsyncResult(nil, "op-2", Data{"ok": true}, nil)
	}()
	got, err := e.AwaitResult(context.Background(), "op-2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Data{"ok": true}, got)

	_, err = e.AwaitResult(context.Background(), "op-3", 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, e.PendingResults())
}

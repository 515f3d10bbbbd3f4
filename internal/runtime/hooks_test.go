package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/replyflow/internal/runtime/completion"
	configpkg "github.com/drblury/replyflow/internal/runtime/config"
)

func completionMessage(t *testing.T) *message.Message {
	t.Helper()
	msg, err := completion.ToWatermill(completion.NewReply("tid-1", map[string]any{"ok": true}))
	require.NoError(t, err)
	msg.SetContext(context.Background())
	return msg
}

func TestCompletionHooks_OnStart(t *testing.T) {
	var captured CompletionContext
	hooks := CompletionHooks{
		OnStart: func(ctx CompletionContext) { captured = ctx },
	}

	handler := completionHooksMiddleware(hooks, "replyflow.completions")(func(msg *message.Message) ([]*message.Message, error) {
		return nil, nil
	})

	msg := completionMessage(t)
	_, err := handler(msg)
	require.NoError(t, err)
	assert.Equal(t, msg.UUID, captured.MessageUUID)
	assert.Equal(t, "tid-1", captured.TID)
	assert.Equal(t, string(completion.KindReply), captured.Kind)
	assert.Equal(t, "replyflow.completions", captured.Topic)
	assert.False(t, captured.StartedAt.IsZero())
	assert.Zero(t, captured.RetryCount)
}

func TestCompletionHooks_OnDone(t *testing.T) {
	var captured CompletionContext
	hooks := CompletionHooks{
		OnDone: func(ctx CompletionContext) { captured = ctx },
		OnError: func(CompletionContext, error) {
			t.Fatal("OnError must not run for a handled completion")
		},
	}

	handler := completionHooksMiddleware(hooks, "")(func(msg *message.Message) ([]*message.Message, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})

	_, err := handler(completionMessage(t))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, captured.Duration, 10*time.Millisecond)
}

func TestCompletionHooks_OnErrorCountsRetries(t *testing.T) {
	expected := errors.New("pipeline failed")
	var retries []int
	var lastErr error
	hooks := CompletionHooks{
		OnError: func(ctx CompletionContext, err error) {
			retries = append(retries, ctx.RetryCount)
			lastErr = err
		},
	}

	handler := completionHooksMiddleware(hooks, "")(func(msg *message.Message) ([]*message.Message, error) {
		return nil, expected
	})

	msg := completionMessage(t)
	for range 3 {
		_, err := handler(msg)
		require.ErrorIs(t, err, expected)
	}
	assert.Equal(t, []int{0, 1, 2}, retries)
	assert.Same(t, expected, lastErr)
}

func TestCompletionHooks_Merge(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	a := CompletionHooks{
		OnStart: func(CompletionContext) { record("a-start") },
		OnError: func(CompletionContext, error) { record("a-error") },
	}
	b := CompletionHooks{
		OnStart: func(CompletionContext) { record("b-start") },
		OnDone:  func(CompletionContext) { record("b-done") },
		OnError: func(CompletionContext, error) { record("b-error") },
	}

	merged := a.Merge(b)
	merged.OnStart(CompletionContext{})
	merged.OnDone(CompletionContext{})
	merged.OnError(CompletionContext{}, errors.New("x"))

	assert.Equal(t, []string{"a-start", "b-start", "b-done", "a-error", "b-error"}, order)
	assert.True(t, CompletionHooks{}.Merge(CompletionHooks{}).empty())
}

func TestCompletionHooksMiddleware_SkipsEmptyHooks(t *testing.T) {
	svc := &Service{Conf: &configpkg.Config{CompletionTopic: "topic"}}

	mw, err := CompletionHooksMiddleware(CompletionHooks{}).Builder(svc)
	require.NoError(t, err)
	assert.Nil(t, mw)

	mw, err = CompletionHooksMiddleware(CompletionAlertingHooks(func(CompletionContext, error) {})).Builder(svc)
	require.NoError(t, err)
	assert.NotNil(t, mw)
}

func TestCompletionLoggingHooks(t *testing.T) {
	logger := &recordingLogger{}
	hooks := CompletionLoggingHooks(logger)

	handler := completionHooksMiddleware(hooks, "topic")(func(msg *message.Message) ([]*message.Message, error) {
		return nil, errors.New("boom")
	})
	_, _ = handler(completionMessage(t))

	entries := logger.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "Completion received", entries[0].msg)
	assert.Equal(t, "Completion failed", entries[1].msg)
	assert.Equal(t, "tid-1", entries[1].fields["tid"])
	assert.EqualError(t, entries[1].err, "boom")
}

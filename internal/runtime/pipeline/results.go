package pipeline

import (
	"context"
	"fmt"
	"time"
)

// ExpectResult registers an outbound call identified by token. The returned
// channel receives the decoded result once ResolveAsyncResult matches it.
// Calling ExpectResult again for a pending token returns the same channel.
func (e *Engine) ExpectResult(token string) (<-chan Data, func()) {
	e.mu.Lock()
	ch, ok := e.waiters[token]
	if !ok {
		ch = make(chan Data, 1)
		e.waiters[token] = ch
	}
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		if e.waiters[token] == ch {
			delete(e.waiters, token)
		}
		e.mu.Unlock()
	}
}

// ResolveAsyncResult hands an out-of-band response to the caller waiting on
// token. The response is decoded through the handler's HandleResult first.
// It reports false and does nothing else when no caller is waiting.
func (e *Engine) ResolveAsyncResult(rc *RequestContext, token string, data Data, state State) (bool, State, error) {
	e.mu.Lock()
	_, ok := e.waiters[token]
	e.mu.Unlock()
	if !ok {
		return false, state, nil
	}
	if rc == nil {
		rc = NewRequestContext(nil)
	}

	decoded, next, err := e.handler.HandleResult(rc, token, data, state)
	state = keep(state, next)
	if err != nil {
		return false, state, &StageError{Stage: "result", Command: token, Err: err}
	}

	e.mu.Lock()
	ch, ok := e.waiters[token]
	if ok {
		delete(e.waiters, token)
	}
	e.mu.Unlock()
	if !ok {
		return false, state, nil
	}
	ch <- decoded
	return true, state, nil
}

// AwaitResult waits for the result of token. Register the token with
// ExpectResult before issuing the call so an early response is not missed.
func (e *Engine) AwaitResult(ctx context.Context, token string, timeout time.Duration) (Data, error) {
	ch, cancel := e.ExpectResult(token)
	defer cancel()

	if timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, timeout)
		defer stop()
	}
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("await result %s: %w", token, ctx.Err())
	}
}

// PendingResults reports how many outbound calls are still waiting.
func (e *Engine) PendingResults() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters)
}

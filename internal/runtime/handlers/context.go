package handlers

import (
	"context"

	"github.com/drblury/replyflow/internal/runtime/correlation"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

// CommandContext carries the decoded payload of one typed command together
// with the exchange it arrived on.
type CommandContext[T any] struct {
	Payload T
	Request *pipeline.RequestContext
	Logger  loggingpkg.ServiceLogger
	// State is the session state. Assign to it to hand a new state back.
	State pipeline.State

	override pipeline.Outcome
	login    string
}

// TID returns the correlation id of the exchange.
func (c *CommandContext[T]) TID() string {
	return c.Request.TID
}

// Context returns the exchange context.
func (c *CommandContext[T]) Context() context.Context {
	return c.Request.Context()
}

// Login marks the reply as a login for userID. The command output becomes the
// login reply.
func (c *CommandContext[T]) Login(userID string) {
	c.login = userID
}

// Defer answers with an Ack. The reply arrives later through the correlation
// engine under TID; the command output is discarded.
func (c *CommandContext[T]) Defer(worker correlation.Worker) {
	c.override = pipeline.Ack(worker)
}

// Fail answers with the protocol error code.
func (c *CommandContext[T]) Fail(code pipeline.ErrorCode) {
	c.override = pipeline.Error(code)
}

func newCommandContext[T any](rc *pipeline.RequestContext, payload T, state pipeline.State) *CommandContext[T] {
	return &CommandContext[T]{
		Payload: payload,
		Request: rc,
		Logger:  rc.Log(),
		State:   state,
	}
}

// outcome picks the Outcome for a command that produced reply.
func (c *CommandContext[T]) outcome(reply pipeline.Data) pipeline.Outcome {
	if c.override.IsValid() {
		return c.override
	}
	if c.login != "" {
		return pipeline.Login(c.login, reply)
	}
	return pipeline.Reply(reply)
}

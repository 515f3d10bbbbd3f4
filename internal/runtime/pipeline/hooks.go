package pipeline

import (
	"context"
	"time"

	"github.com/drblury/replyflow/internal/runtime/logging"
)

// CommandContext describes one command run to hooks.
type CommandContext struct {
	ServiceID string
	Command   string
	TID       string
	SessionID string
	Context   context.Context
	StartedAt time.Time
	// Duration and Outcome are set for OnCommandDone and OnCommandError.
	Duration time.Duration
	Outcome  Outcome
}

// CommandHooks are optional callbacks around RunRequest. Nil hooks are
// skipped.
type CommandHooks struct {
	OnCommandStart func(ctx CommandContext)
	OnCommandDone  func(ctx CommandContext)
	OnCommandError func(ctx CommandContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h CommandHooks) Merge(other CommandHooks) CommandHooks {
	return CommandHooks{
		OnCommandStart: chain(h.OnCommandStart, other.OnCommandStart),
		OnCommandDone:  chain(h.OnCommandDone, other.OnCommandDone),
		OnCommandError: chainError(h.OnCommandError, other.OnCommandError),
	}
}

func chain(a, b func(CommandContext)) func(CommandContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CommandContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(CommandContext, error)) func(CommandContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CommandContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks logs command lifecycle events. Start and completion are logged
// at debug level, failures at error level.
func LoggingHooks(logger logging.ServiceLogger) CommandHooks {
	return CommandHooks{
		OnCommandStart: func(ctx CommandContext) {
			logger.Debug("Command started", logging.LogFields{
				"service": ctx.ServiceID,
				"command": ctx.Command,
				"tid":     ctx.TID,
			})
		},
		OnCommandDone: func(ctx CommandContext) {
			logger.Debug("Command completed", logging.LogFields{
				"service":     ctx.ServiceID,
				"command":     ctx.Command,
				"tid":         ctx.TID,
				"outcome":     ctx.Outcome.String(),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnCommandError: func(ctx CommandContext, err error) {
			logger.Error("Command failed", err, logging.LogFields{
				"service":     ctx.ServiceID,
				"command":     ctx.Command,
				"tid":         ctx.TID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks reports command lifecycle events to counters supplied by the
// caller. onDone also receives the outcome kind.
func MetricsHooks(onStart func(serviceID, command string), onDone func(serviceID, command string, kind Kind, d time.Duration), onError func(serviceID, command string)) CommandHooks {
	return CommandHooks{
		OnCommandStart: func(ctx CommandContext) {
			if onStart != nil {
				onStart(ctx.ServiceID, ctx.Command)
			}
		},
		OnCommandDone: func(ctx CommandContext) {
			if onDone != nil {
				onDone(ctx.ServiceID, ctx.Command, ctx.Outcome.Kind(), ctx.Duration)
			}
		},
		OnCommandError: func(ctx CommandContext, err error) {
			if onError != nil {
				onError(ctx.ServiceID, ctx.Command)
			}
		},
	}
}

// AlertingHooks calls alert for every failed command.
func AlertingHooks(alert func(ctx CommandContext, err error)) CommandHooks {
	return CommandHooks{OnCommandError: alert}
}

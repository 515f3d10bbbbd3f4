package runtime

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/replyflow/internal/runtime/completion"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
)

// metadataAttempt counts deliveries of one bus message to the completion
// handler, including retries.
const metadataAttempt = "rf_attempt"

// CompletionContext describes one completion handled from the bus.
type CompletionContext struct {
	MessageUUID string
	// TID is empty for results and events.
	TID string
	// Kind is the completion kind from the message metadata.
	Kind    string
	Service string
	Topic   string

	Metadata  message.Metadata
	Context   context.Context
	StartedAt time.Time
	// Duration is set for OnDone and OnError.
	Duration time.Duration
	// RetryCount is 0 on the first delivery.
	RetryCount int
}

// CompletionHooks are optional callbacks around the completion relay.
type CompletionHooks struct {
	OnStart func(ctx CompletionContext)
	OnDone  func(ctx CompletionContext)
	OnError func(ctx CompletionContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h CompletionHooks) Merge(other CompletionHooks) CompletionHooks {
	return CompletionHooks{
		OnStart: chainCompletion(h.OnStart, other.OnStart),
		OnDone:  chainCompletion(h.OnDone, other.OnDone),
		OnError: chainCompletionError(h.OnError, other.OnError),
	}
}

func (h CompletionHooks) empty() bool {
	return h.OnStart == nil && h.OnDone == nil && h.OnError == nil
}

func chainCompletion(a, b func(CompletionContext)) func(CompletionContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CompletionContext) {
		a(ctx)
		b(ctx)
	}
}

func chainCompletionError(a, b func(CompletionContext, error)) func(CompletionContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CompletionContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// CompletionHooksMiddleware registers hooks on the completion router. It
// runs inside the retry middleware, so hooks see every attempt.
func CompletionHooksMiddleware(hooks CompletionHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "completion_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if hooks.empty() {
				return nil, nil
			}
			return completionHooksMiddleware(hooks, s.Conf.CompletionTopic), nil
		},
	}
}

func completionHooksMiddleware(hooks CompletionHooks, topic string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			attempt, _ := strconv.Atoi(msg.Metadata.Get(metadataAttempt))
			msg.Metadata.Set(metadataAttempt, strconv.Itoa(attempt+1))

			cc := CompletionContext{
				MessageUUID: msg.UUID,
				TID:         msg.Metadata.Get(completion.MetadataTID),
				Kind:        msg.Metadata.Get(completion.MetadataKind),
				Service:     msg.Metadata.Get(completion.MetadataService),
				Topic:       topic,
				Metadata:    msg.Metadata,
				Context:     msg.Context(),
				StartedAt:   time.Now(),
				RetryCount:  attempt,
			}

			if hooks.OnStart != nil {
				hooks.OnStart(cc)
			}

			msgs, err := h(msg)
			cc.Duration = time.Since(cc.StartedAt)

			if err != nil {
				if hooks.OnError != nil {
					hooks.OnError(cc, err)
				}
			} else if hooks.OnDone != nil {
				hooks.OnDone(cc)
			}

			return msgs, err
		}
	}
}

// CompletionLoggingHooks logs every handled completion.
func CompletionLoggingHooks(logger loggingpkg.ServiceLogger) CompletionHooks {
	return CompletionHooks{
		OnStart: func(ctx CompletionContext) {
			logger.Debug("Completion received", completionFields(ctx))
		},
		OnDone: func(ctx CompletionContext) {
			fields := completionFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Completion handled", fields)
		},
		OnError: func(ctx CompletionContext, err error) {
			fields := completionFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Completion failed", err, fields)
		},
	}
}

// CompletionAlertingHooks calls alert for completions the relay could not
// process.
func CompletionAlertingHooks(alert func(ctx CompletionContext, err error)) CompletionHooks {
	return CompletionHooks{OnError: alert}
}

func completionFields(ctx CompletionContext) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"message_uuid": ctx.MessageUUID,
		"tid":          ctx.TID,
		"kind":         ctx.Kind,
		"service":      ctx.Service,
		"topic":        ctx.Topic,
		"retry_count":  ctx.RetryCount,
	}
}

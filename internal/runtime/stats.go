package runtime

import (
	"sync"
	"time"

	"github.com/drblury/replyflow/internal/runtime/correlation"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

// maxTrackedCommands bounds the stats table. Command names come from
// clients, so unknown names past the bound share one entry.
const maxTrackedCommands = 1024

const overflowCommand = "(other)"

type commandKey struct {
	service string
	command string
}

// statsRegistry keeps CommandStats per service and command and attributes
// ack resolutions to the command that acknowledged.
type statsRegistry struct {
	mu         sync.RWMutex
	commands   map[commandKey]*CommandInfo
	order      []*CommandInfo
	acks       map[string]*CommandStats
	classifier FaultClassifier
}

var _ correlation.Observer = (*statsRegistry)(nil)

func newStatsRegistry(classifier FaultClassifier) *statsRegistry {
	if classifier == nil {
		classifier = defaultFaultClassifier
	}
	return &statsRegistry{
		commands:   make(map[commandKey]*CommandInfo),
		acks:       make(map[string]*CommandStats),
		classifier: classifier,
	}
}

func (r *statsRegistry) lookup(service, command string) *CommandStats {
	key := commandKey{service: service, command: command}

	r.mu.RLock()
	info, ok := r.commands[key]
	r.mu.RUnlock()
	if ok {
		return info.Stats
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.commands[key]; ok {
		return info.Stats
	}
	if len(r.commands) >= maxTrackedCommands {
		key.command = overflowCommand
		if info, ok := r.commands[key]; ok {
			return info.Stats
		}
	}
	info = &CommandInfo{Service: key.service, Command: key.command, Stats: newCommandStats()}
	r.commands[key] = info
	r.order = append(r.order, info)
	return info.Stats
}

// Commands returns the tracked commands in first-seen order.
func (r *statsRegistry) Commands() []*CommandInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CommandInfo, len(r.order))
	copy(out, r.order)
	return out
}

// ServiceCommands returns the tracked commands of one service.
func (r *statsRegistry) ServiceCommands(service string) []*CommandInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*CommandInfo
	for _, info := range r.order {
		if info.Service == service {
			out = append(out, info)
		}
	}
	return out
}

// Hooks returns pipeline hooks feeding the registry.
func (r *statsRegistry) Hooks() pipeline.CommandHooks {
	return pipeline.CommandHooks{
		OnCommandStart: func(ctx pipeline.CommandContext) {
			r.lookup(ctx.ServiceID, ctx.Command).onStart()
		},
		OnCommandDone: func(ctx pipeline.CommandContext) {
			stats := r.lookup(ctx.ServiceID, ctx.Command)
			kind := ctx.Outcome.Kind()
			stats.onFinish(ctx.Duration, kind, nil, r.classifier)
			if kind == pipeline.KindAck && ctx.TID != "" {
				r.mu.Lock()
				r.acks[ctx.TID] = stats
				r.mu.Unlock()
			}
		},
		OnCommandError: func(ctx pipeline.CommandContext, err error) {
			r.lookup(ctx.ServiceID, ctx.Command).onFinish(ctx.Duration, pipeline.KindInvalid, err, r.classifier)
		},
	}
}

func (r *statsRegistry) ackStats(tid string, remove bool) *CommandStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.acks[tid]
	if remove {
		delete(r.acks, tid)
	}
	return stats
}

func (r *statsRegistry) AckPending(tid string) {
	if stats := r.ackStats(tid, false); stats != nil {
		stats.onAckPending()
	}
}

func (r *statsRegistry) AckRenewed(string, bool) {}

func (r *statsRegistry) AckResolved(tid string, kind correlation.ResolutionKind, _ time.Duration) {
	if stats := r.ackStats(tid, true); stats != nil {
		stats.onAckResolved(kind)
	}
}

// observers fans correlation events out to several observers.
type observers []correlation.Observer

func (o observers) AckPending(tid string) {
	for _, obs := range o {
		obs.AckPending(tid)
	}
}

func (o observers) AckRenewed(tid string, replaced bool) {
	for _, obs := range o {
		obs.AckRenewed(tid, replaced)
	}
}

func (o observers) AckResolved(tid string, kind correlation.ResolutionKind, waited time.Duration) {
	for _, obs := range o {
		obs.AckResolved(tid, kind, waited)
	}
}

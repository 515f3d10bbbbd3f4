package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/drblury/replyflow/internal/runtime/correlation"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

func TestCommandStatsCollectsRuns(t *testing.T) {
	stats := newCommandStats()

	stats.onStart()
	stats.onStart()
	stats.onFinish(2*time.Millisecond, pipeline.KindReply, nil, nil)
	stats.onFinish(4*time.Millisecond, pipeline.KindInvalid, &pipeline.StageError{Stage: "execute", Command: "echo", Err: errors.New("boom")}, nil)

	stats.mu.Lock()
	defer stats.mu.Unlock()

	if stats.Runs != 2 || stats.Failed != 1 {
		t.Fatalf("expected 2 runs and 1 failure, got %d/%d", stats.Runs, stats.Failed)
	}
	if stats.Outcomes.Reply != 1 {
		t.Fatalf("expected reply outcome to be counted, got %+v", stats.Outcomes)
	}
	if stats.Faults.Execute != 1 || stats.Faults.LastError == "" {
		t.Fatalf("expected execute fault to be recorded, got %+v", stats.Faults)
	}
	if stats.Backlog.InFlight != 0 || stats.Backlog.MaxInFlight != 2 {
		t.Fatalf("unexpected backlog %+v", stats.Backlog)
	}
	if stats.Latency.SampleSize != 2 || stats.Latency.AverageNs != int64(3*time.Millisecond) {
		t.Fatalf("unexpected latency %+v", stats.Latency)
	}
	if stats.Throughput.TotalRuns != 2 || stats.Throughput.RunsInWindow != 2 {
		t.Fatalf("unexpected throughput %+v", stats.Throughput)
	}
}

func TestCommandStatsMarshalJSON(t *testing.T) {
	stats := newCommandStats()
	stats.onFinish(time.Millisecond, pipeline.KindAck, nil, nil)

	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	outcomes, ok := decoded["outcomes"].(map[string]any)
	if !ok || outcomes["ack"] != float64(1) {
		t.Fatalf("expected ack outcome in %s", raw)
	}
}

func TestDefaultFaultClassifier(t *testing.T) {
	cases := []struct {
		err  error
		want FaultCategory
	}{
		{nil, FaultCategoryNone},
		{&pipeline.StageError{Stage: "parse", Err: errors.New("x")}, FaultCategoryParse},
		{&pipeline.StageError{Stage: "authorize", Err: errors.New("x")}, FaultCategoryAuthorize},
		{fmt.Errorf("wrapped: %w", &pipeline.StageError{Stage: "execute", Err: errors.New("x")}), FaultCategoryExecute},
		{&pipeline.StageError{Stage: "event", Err: errors.New("x")}, FaultCategoryOther},
		{&pipeline.StageError{Stage: "execute", Err: context.DeadlineExceeded}, FaultCategoryCancelled},
		{errors.New("plain"), FaultCategoryOther},
	}
	for _, tc := range cases {
		if got := defaultFaultClassifier(tc.err); got != tc.want {
			t.Fatalf("classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40, 50}
	if got := percentile(samples, 0.5); got != 30 {
		t.Fatalf("p50 = %d", got)
	}
	if got := percentile(samples, 0.99); got < 49 || got > 50 {
		t.Fatalf("p99 = %d", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("empty percentile = %d", got)
	}
}

func TestLatencyWindowWraps(t *testing.T) {
	lw := newLatencyWindow(3)
	for i := 1; i <= 5; i++ {
		lw.Add(time.Duration(i))
	}
	snap := lw.Snapshot()
	if snap.SampleSize != 3 {
		t.Fatalf("expected window of 3, got %d", snap.SampleSize)
	}
	if snap.AverageNs != 4 || snap.LastNs != 5 {
		t.Fatalf("expected the last three samples, got %+v", snap)
	}
}

func TestThroughputWindowDropsOldSamples(t *testing.T) {
	tw := newThroughputWindow(time.Second)
	now := time.Now()
	tw.AddAndSnapshot(now.Add(-2 * time.Second))
	snap := tw.AddAndSnapshot(now)
	if snap.Count != 1 {
		t.Fatalf("expected the stale sample to be dropped, got %d", snap.Count)
	}
}

func TestStatsRegistryAttributesAcks(t *testing.T) {
	reg := newStatsRegistry(nil)
	hooks := reg.Hooks()

	cc := pipeline.CommandContext{ServiceID: "svc", Command: "slow", TID: "tid-1", Duration: time.Millisecond}
	hooks.OnCommandStart(cc)
	cc.Outcome = pipeline.Ack(nil)
	hooks.OnCommandDone(cc)

	reg.AckPending("tid-1")
	stats := reg.lookup("svc", "slow")
	stats.mu.Lock()
	pending := stats.Acks.Pending
	stats.mu.Unlock()
	if pending != 1 {
		t.Fatalf("expected one pending ack, got %d", pending)
	}

	reg.AckResolved("tid-1", correlation.TimedOut, time.Second)
	reg.AckResolved("tid-1", correlation.ResolvedReply, time.Second)

	stats.mu.Lock()
	defer stats.mu.Unlock()
	if stats.Acks.Pending != 0 || stats.Acks.Timeout != 1 || stats.Acks.Reply != 0 {
		t.Fatalf("unexpected ack breakdown %+v", stats.Acks)
	}
}

func TestStatsRegistryBoundsCommands(t *testing.T) {
	reg := newStatsRegistry(nil)
	for i := range maxTrackedCommands + 10 {
		reg.lookup("svc", fmt.Sprintf("cmd-%d", i))
	}
	commands := reg.Commands()
	if len(commands) != maxTrackedCommands+1 {
		t.Fatalf("expected %d entries, got %d", maxTrackedCommands+1, len(commands))
	}
	if last := commands[len(commands)-1]; last.Command != overflowCommand {
		t.Fatalf("expected overflow entry, got %s", last.Command)
	}
	if got := len(reg.ServiceCommands("other")); got != 0 {
		t.Fatalf("expected no commands for unknown service, got %d", got)
	}
}

func TestObserversFanOut(t *testing.T) {
	a := newStatsRegistry(nil)
	b := newStatsRegistry(nil)
	for _, reg := range []*statsRegistry{a, b} {
		reg.Hooks().OnCommandDone(pipeline.CommandContext{ServiceID: "svc", Command: "slow", TID: "t", Outcome: pipeline.Ack(nil)})
	}

	obs := observers{a, b}
	obs.AckPending("t")
	obs.AckRenewed("t", true)
	obs.AckResolved("t", correlation.ProcessDown, time.Millisecond)

	for _, reg := range []*statsRegistry{a, b} {
		stats := reg.lookup("svc", "slow")
		stats.mu.Lock()
		got := stats.Acks.ProcessDown
		stats.mu.Unlock()
		if got != 1 {
			t.Fatalf("expected process_down to reach every observer, got %d", got)
		}
	}
}

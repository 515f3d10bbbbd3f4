package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/replyflow/internal/runtime/correlation"
	"github.com/drblury/replyflow/internal/runtime/envelope"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// CommandStats aggregates the runs of one command on one service.
type CommandStats struct {
	mu sync.Mutex `json:"-"`

	Runs                uint64    `json:"runs"`
	Failed              uint64    `json:"failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastRunAt           time.Time `json:"last_run_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Outcomes   OutcomeBreakdown  `json:"outcomes"`
	Faults     FaultBreakdown    `json:"faults"`
	Acks       AckBreakdown      `json:"acks"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
}

type CommandInfo struct {
	Service string        `json:"service"`
	Command string        `json:"command"`
	Stats   *CommandStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS    float64 `json:"current_rps"`
	WindowSeconds float64 `json:"window_seconds"`
	RunsInWindow  uint64  `json:"runs_in_window"`
	TotalRuns     uint64  `json:"total_runs"`
}

// OutcomeBreakdown counts successful runs by outcome kind.
type OutcomeBreakdown struct {
	Login  uint64 `json:"login"`
	Reply  uint64 `json:"reply"`
	Ack    uint64 `json:"ack"`
	Status uint64 `json:"status"`
	Error  uint64 `json:"error"`
	Stop   uint64 `json:"stop"`
}

// FaultBreakdown counts callback failures by the stage they happened in.
type FaultBreakdown struct {
	Parse     uint64 `json:"parse"`
	Authorize uint64 `json:"authorize"`
	Execute   uint64 `json:"execute"`
	Cancelled uint64 `json:"cancelled"`
	Other     uint64 `json:"other"`
	LastError string `json:"last_error,omitempty"`
}

// AckBreakdown tracks how acknowledged runs of a command were resolved.
type AckBreakdown struct {
	Pending     uint64 `json:"pending"`
	Reply       uint64 `json:"reply"`
	Login       uint64 `json:"login"`
	Error       uint64 `json:"error"`
	ProcessDown uint64 `json:"process_down"`
	Timeout     uint64 `json:"timeout"`
	Cancelled   uint64 `json:"cancelled"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

type FaultCategory string

const (
	FaultCategoryNone      FaultCategory = "none"
	FaultCategoryParse     FaultCategory = "parse"
	FaultCategoryAuthorize FaultCategory = "authorize"
	FaultCategoryExecute   FaultCategory = "execute"
	FaultCategoryCancelled FaultCategory = "cancelled"
	FaultCategoryOther     FaultCategory = "other"
)

// FaultClassifier sorts a command fault into a FaultBreakdown bucket.
type FaultClassifier func(error) FaultCategory

func newCommandStats() *CommandStats {
	return &CommandStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (c *CommandStats) onStart() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Backlog.InFlight++
	if c.Backlog.InFlight > c.Backlog.MaxInFlight {
		c.Backlog.MaxInFlight = c.Backlog.InFlight
	}
}

func (c *CommandStats) onFinish(duration time.Duration, kind pipeline.Kind, err error, classifier FaultClassifier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Backlog.InFlight > 0 {
		c.Backlog.InFlight--
	}

	c.Runs++
	c.TotalProcessingTime += int64(duration)
	c.LastRunAt = time.Now().UTC()

	if err != nil {
		c.Failed++
		if classifier == nil {
			classifier = defaultFaultClassifier
		}
		c.Faults.Record(classifier(err), err)
	} else {
		c.Outcomes.Record(kind)
	}

	if c.latencyWindow != nil {
		c.latencyWindow.Add(duration)
		snapshot := c.latencyWindow.Snapshot()
		snapshot.AverageNs = c.TotalProcessingTime / int64(c.Runs)
		c.Latency = snapshot
	}

	if c.throughputWindow != nil {
		snapshot := c.throughputWindow.AddAndSnapshot(time.Now())
		c.Throughput.CurrentRPS = snapshot.CurrentRPS
		c.Throughput.WindowSeconds = snapshot.WindowSeconds
		c.Throughput.RunsInWindow = uint64(snapshot.Count)
	}
	c.Throughput.TotalRuns = c.Runs
}

func (c *CommandStats) onAckPending() {
	c.mu.Lock()
	c.Acks.Pending++
	c.mu.Unlock()
}

func (c *CommandStats) onAckResolved(kind correlation.ResolutionKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Acks.Pending > 0 {
		c.Acks.Pending--
	}
	c.Acks.Record(kind)
}

func (c *CommandStats) MarshalJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type Alias CommandStats
	return envelope.Marshal((*Alias)(c))
}

func (o *OutcomeBreakdown) Record(kind pipeline.Kind) {
	switch kind {
	case pipeline.KindLogin:
		o.Login++
	case pipeline.KindReply:
		o.Reply++
	case pipeline.KindAck:
		o.Ack++
	case pipeline.KindStatus:
		o.Status++
	case pipeline.KindError:
		o.Error++
	case pipeline.KindStop:
		o.Stop++
	}
}

func (f *FaultBreakdown) Record(category FaultCategory, err error) {
	switch category {
	case FaultCategoryNone:
		if err == nil {
			return
		}
		f.Other++
	case FaultCategoryParse:
		f.Parse++
	case FaultCategoryAuthorize:
		f.Authorize++
	case FaultCategoryExecute:
		f.Execute++
	case FaultCategoryCancelled:
		f.Cancelled++
	default:
		f.Other++
	}
	if err != nil {
		f.LastError = err.Error()
	}
}

func (a *AckBreakdown) Record(kind correlation.ResolutionKind) {
	switch kind {
	case correlation.ResolvedReply:
		a.Reply++
	case correlation.ResolvedLogin:
		a.Login++
	case correlation.ResolvedError:
		a.Error++
	case correlation.ProcessDown:
		a.ProcessDown++
	case correlation.TimedOut:
		a.Timeout++
	case correlation.Cancelled:
		a.Cancelled++
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	metrics.LastNs = lw.last
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

func defaultFaultClassifier(err error) FaultCategory {
	if err == nil {
		return FaultCategoryNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FaultCategoryCancelled
	}
	var stage *pipeline.StageError
	if errors.As(err, &stage) {
		switch stage.Stage {
		case "parse":
			return FaultCategoryParse
		case "authorize":
			return FaultCategoryAuthorize
		case "execute":
			return FaultCategoryExecute
		}
	}
	return FaultCategoryOther
}

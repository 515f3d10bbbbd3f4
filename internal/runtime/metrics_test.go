package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/replyflow/internal/runtime/correlation"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	// A second instance on the same registry reuses the existing collectors.
	require.NoError(t, NewMetrics(reg).Register())
}

func TestMetricsObserveAcks(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.AckPending("t1")
	m.AckPending("t2")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.acksPending))

	m.AckRenewed("t1", true)
	m.AckResolved("t1", correlation.ResolvedReply, 20*time.Millisecond)
	m.AckResolved("t2", correlation.TimedOut, time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.acksPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ackResolutions.WithLabelValues("reply")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ackResolutions.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ackRenewals.WithLabelValues("true")))
}

func TestMetricsHooks(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	hooks := m.Hooks()

	hooks.OnCommandDone(pipeline.CommandContext{
		ServiceID: "svc",
		Command:   "echo",
		Outcome:   pipeline.Reply(nil),
		Duration:  5 * time.Millisecond,
	})
	hooks.OnCommandError(pipeline.CommandContext{ServiceID: "svc", Command: "echo"}, assert.AnError)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsTotal.WithLabelValues("svc", "echo", "reply")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandFaults.WithLabelValues("svc", "echo")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.commandDuration))
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveHTTP("svc", "POST", 200)
	m.AckPending("t")
	m.Reset()

	assert.Equal(t, 0, testutil.CollectAndCount(m.httpRequests))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.acksPending))
}

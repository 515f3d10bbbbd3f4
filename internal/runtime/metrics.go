package runtime

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/replyflow/internal/runtime/correlation"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

const metricsNamespace = "replyflow"

// Metrics holds the Prometheus collectors of a host. It observes pending acks
// for the correlation engine and command runs through pipeline hooks.
type Metrics struct {
	mu sync.Mutex

	commandsTotal   *prometheus.CounterVec
	commandFaults   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	acksPending     prometheus.Gauge
	ackResolutions  *prometheus.CounterVec
	ackWait         *prometheus.HistogramVec
	ackRenewals     *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

var _ correlation.Observer = (*Metrics)(nil)

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		commandsTotal:   newCounterVec("commands", "total", "Commands run, by outcome", []string{"service", "command", "outcome"}),
		commandFaults:   newCounterVec("commands", "faults_total", "Commands whose callbacks failed", []string{"service", "command"}),
		commandDuration: newHistogramVec("commands", "duration_seconds", "Time spent in the command pipeline", prometheus.DefBuckets, []string{"service", "command"}),
		acksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "acks",
			Name:      "pending",
			Help:      "Exchanges waiting for a deferred reply",
		}),
		ackResolutions: newCounterVec("acks", "resolutions_total", "Pending acks resolved, by kind", []string{"kind"}),
		ackWait:        newHistogramVec("acks", "wait_seconds", "Time from acknowledgement to resolution", []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120, 300}, []string{"kind"}),
		ackRenewals:    newCounterVec("acks", "renewals_total", "Renewals received for pending acks", []string{"replaced_worker"}),
		httpRequests:   newCounterVec("http", "requests_total", "HTTP requests served, by status", []string{"service", "method", "status"}),
	}
}

// Register registers the collectors. Safe to call more than once.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.commandsTotal,
		m.commandFaults,
		m.commandDuration,
		m.acksPending,
		m.ackResolutions,
		m.ackWait,
		m.ackRenewals,
		m.httpRequests,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) AckPending(string) {
	m.acksPending.Inc()
}

func (m *Metrics) AckRenewed(_ string, replaced bool) {
	m.ackRenewals.WithLabelValues(strconv.FormatBool(replaced)).Inc()
}

func (m *Metrics) AckResolved(_ string, kind correlation.ResolutionKind, waited time.Duration) {
	m.acksPending.Dec()
	m.ackResolutions.WithLabelValues(kind.String()).Inc()
	m.ackWait.WithLabelValues(kind.String()).Observe(waited.Seconds())
}

// Hooks returns pipeline hooks feeding the command collectors.
func (m *Metrics) Hooks() pipeline.CommandHooks {
	return pipeline.MetricsHooks(
		nil,
		func(serviceID, command string, kind pipeline.Kind, d time.Duration) {
			m.commandsTotal.WithLabelValues(serviceID, command, kind.String()).Inc()
			m.commandDuration.WithLabelValues(serviceID, command).Observe(d.Seconds())
		},
		func(serviceID, command string) {
			m.commandFaults.WithLabelValues(serviceID, command).Inc()
		},
	)
}

// ObserveHTTP counts one served HTTP request.
func (m *Metrics) ObserveHTTP(serviceID, method string, status int) {
	m.httpRequests.WithLabelValues(serviceID, method, strconv.Itoa(status)).Inc()
}

// Reset clears all series. Intended for tests.
func (m *Metrics) Reset() {
	m.commandsTotal.Reset()
	m.commandFaults.Reset()
	m.commandDuration.Reset()
	m.acksPending.Set(0)
	m.ackResolutions.Reset()
	m.ackWait.Reset()
	m.ackRenewals.Reset()
	m.httpRequests.Reset()
}

package task

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nemanja-m/gorun/internal/worker/core"
)

// Metrics are shared by all tasks of one worker. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	transitions  *prometheus.CounterVec
	running      prometheus.Gauge
	interrupts   prometheus.Counter
	unresponsive prometheus.Counter
	bytesWritten prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gorun",
			Subsystem: "task",
			Name:      "state_transitions_total",
			Help:      "Number of task lifecycle transitions, by target state.",
		}, []string{"state"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gorun",
			Subsystem: "task",
			Name:      "running",
			Help:      "Number of tasks currently running user code.",
		}),
		interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gorun",
			Subsystem: "task",
			Name:      "interrupts_total",
			Help:      "Number of forced interruptions delivered to tasks that ignored cancellation.",
		}),
		unresponsive: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gorun",
			Subsystem: "task",
			Name:      "unresponsive_total",
			Help:      "Number of tasks that did not terminate within the cancellation timeout.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gorun",
			Subsystem: "task",
			Name:      "partition_bytes_written_total",
			Help:      "Bytes written to result partitions by finished tasks.",
		}),
	}
	reg.MustRegister(m.transitions, m.running, m.interrupts, m.unresponsive, m.bytesWritten)
	return m
}

func (m *Metrics) observeTransition(from, to core.ExecutionState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to.String()).Inc()
	if to == core.ExecutionStateRunning {
		m.running.Inc()
	}
	if from == core.ExecutionStateRunning {
		m.running.Dec()
	}
}

func (m *Metrics) observeInterrupt() {
	if m == nil {
		return
	}
	m.interrupts.Inc()
}

func (m *Metrics) observeUnresponsive() {
	if m == nil {
		return
	}
	m.unresponsive.Inc()
}

func (m *Metrics) observeBytesWritten(n int64) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

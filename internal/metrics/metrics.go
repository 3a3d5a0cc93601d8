// Package metrics exposes Prometheus instrumentation for the unit's jobs,
// its history recorder and its view of the cluster.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/bioreactor-core/internal/automation"
	"github.com/nerrad567/bioreactor-core/internal/cluster"
)

const namespace = "bioreactor"

// Metrics holds every collector on a private registry. It implements
// automation.Observer and cluster.Observer.
type Metrics struct {
	registry    *prometheus.Registry
	constLabels prometheus.Labels

	jobState     *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	ticks        *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	missedTicks  *prometheus.CounterVec
	output       *prometheus.GaugeVec
	outputs      *prometheus.CounterVec
	rejected     *prometheus.CounterVec

	members      prometheus.Gauge
	activeUnits  prometheus.Gauge
	leaderActive prometheus.Gauge
}

var (
	_ automation.Observer = (*Metrics)(nil)
	_ cluster.Observer    = (*Metrics)(nil)
)

// New creates the collectors, labelled with the unit and experiment, and
// registers them together with the Go runtime and process collectors.
func New(experiment, unit string) *Metrics {
	constLabels := prometheus.Labels{"experiment": experiment, "unit": unit}
	m := &Metrics{
		registry:    prometheus.NewRegistry(),
		constLabels: constLabels,
		jobState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "job_state",
			Help:        "1 for the lifecycle state each job is in, 0 otherwise.",
			ConstLabels: constLabels,
		}, []string{"job", "state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "job_transitions_total",
			Help:        "Lifecycle transitions by target state.",
			ConstLabels: constLabels,
		}, []string{"job", "to"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "job_ticks_total",
			Help:        "Completed control-loop ticks.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "job_tick_duration_seconds",
			Help:        "Duration of completed ticks.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"job"}),
		missedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "job_missed_ticks_total",
			Help:        "Ticks that failed, timed out or could not publish.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		output: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "job_output",
			Help:        "Last control output published by each job.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		outputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "job_outputs_total",
			Help:        "Control outputs published.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "estimator_samples_rejected_total",
			Help:        "Sensor samples rejected as outliers or out of order.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "cluster_members",
			Help:        "Units in the roster.",
			ConstLabels: constLabels,
		}),
		activeUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "cluster_active_units",
			Help:        "Enabled units with a heartbeat inside the liveness window.",
			ConstLabels: constLabels,
		}),
		leaderActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "cluster_leader_active",
			Help:        "1 while the designated leader is active.",
			ConstLabels: constLabels,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobState, m.transitions, m.ticks, m.tickDuration, m.missedTicks,
		m.output, m.outputs, m.rejected,
		m.members, m.activeUnits, m.leaderActive,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StateChanged moves the job's state gauge and counts the transition.
func (m *Metrics) StateChanged(job string, from, to automation.State) {
	if from != "" {
		m.jobState.WithLabelValues(job, string(from)).Set(0)
	}
	m.jobState.WithLabelValues(job, string(to)).Set(1)
	m.transitions.WithLabelValues(job, string(to)).Inc()
}

// TickCompleted counts a tick and observes its duration.
func (m *Metrics) TickCompleted(job string, d time.Duration) {
	m.ticks.WithLabelValues(job).Inc()
	m.tickDuration.WithLabelValues(job).Observe(d.Seconds())
}

// TickMissed counts a missed tick.
func (m *Metrics) TickMissed(job string) {
	m.missedTicks.WithLabelValues(job).Inc()
}

// OutputPublished records the job's latest output.
func (m *Metrics) OutputPublished(job string, value float64) {
	m.output.WithLabelValues(job).Set(value)
	m.outputs.WithLabelValues(job).Inc()
}

// SampleRejected counts a rejected estimator sample.
func (m *Metrics) SampleRejected(job string) {
	m.rejected.WithLabelValues(job).Inc()
}

// RosterChanged updates the cluster gauges.
func (m *Metrics) RosterChanged(s cluster.Snapshot) {
	m.members.Set(float64(len(s.Members)))
	m.activeUnits.Set(float64(len(s.ActiveUnits())))
	if s.LeaderActive {
		m.leaderActive.Set(1)
	} else {
		m.leaderActive.Set(0)
	}
}

// HistoryCounters is the part of the history recorder that is exported
// as metrics.
type HistoryCounters interface {
	Written() uint64
	Dropped() uint64
	Failed() uint64
}

// RegisterHistory exports the recorder's counters.
func (m *Metrics) RegisterHistory(h HistoryCounters) {
	counter := func(name, help string, fn func() uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "history",
			Name:        name,
			Help:        help,
			ConstLabels: m.constLabels,
		}, func() float64 { return float64(fn()) })
	}
	m.registry.MustRegister(
		counter("records_written_total", "History records stored.", h.Written),
		counter("records_dropped_total", "History records dropped because the queue was full.", h.Dropped),
		counter("write_failures_total", "History records the store failed to write.", h.Failed),
	)
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch results recorded per view.
const (
	ResultLive     = "live"
	ResultFallback = "fallback"
	ResultStale    = "stale"
)

// Metrics owns the service's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	fetchTotal     *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	snapshotItems  *prometheus.GaugeVec
	lastSuccessTS  *prometheus.GaugeVec
	simulationRuns *prometheus.CounterVec
	jobsTotal      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.fetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "fetch_total",
		Help:      "Record store scans by view and result",
	}, []string{"view", "result"})
	m.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Name:      "fetch_duration_seconds",
		Help:      "Time spent scanning the record store",
		Buckets:   prometheus.DefBuckets,
	}, []string{"view"})
	m.snapshotItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Name:      "snapshot_items",
		Help:      "Entities in the current snapshot of each view",
	}, []string{"view"})
	m.lastSuccessTS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last live snapshot of each view",
	}, []string{"view"})
	m.simulationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "simulation_runs_total",
		Help:      "Simulation requests by outcome",
	}, []string{"status"})
	m.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "jobs_total",
		Help:      "Background jobs by source and status",
	}, []string{"source", "status"})

	m.reg.MustRegister(
		m.fetchTotal, m.fetchDuration, m.snapshotItems,
		m.lastSuccessTS, m.simulationRuns, m.jobsTotal,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveFetch records one completed scan for view.
func (m *Metrics) ObserveFetch(view, result string, items int, took time.Duration) {
	m.fetchTotal.WithLabelValues(view, result).Inc()
	if result == ResultStale {
		return
	}
	m.fetchDuration.WithLabelValues(view).Observe(took.Seconds())
	m.snapshotItems.WithLabelValues(view).Set(float64(items))
	if result == ResultLive {
		m.lastSuccessTS.WithLabelValues(view).SetToCurrentTime()
	}
}

func (m *Metrics) IncSimulation(status string) {
	m.simulationRuns.WithLabelValues(status).Inc()
}

// IncJob counts a finished queue job.
func (m *Metrics) IncJob(source string, err error) {
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.jobsTotal.WithLabelValues(source, status).Inc()
}

// Snapshot flattens the counters for the ops status page. Keys are the metric name followed
// by its label values in label-name order.
func (m *Metrics) Snapshot() map[string]float64 {
	out := map[string]float64{}
	families, err := m.reg.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		switch mf.GetName() {
		case "dispatch_fetch_total", "dispatch_simulation_runs_total", "dispatch_jobs_total":
		default:
			continue
		}
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range metric.GetLabel() {
				key += "_" + lp.GetValue()
			}
			out[key] = metric.GetCounter().GetValue()
		}
	}
	return out
}

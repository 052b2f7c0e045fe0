package main

import (
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"creator-tracker-template/adapters"
)

// Metrics wraps the Prometheus collectors for the tracker. All methods are
// nil-receiver safe so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	requestLatency prometheus.Histogram
	itemsTotal     *prometheus.CounterVec
	gateExclusions *prometheus.CounterVec
	cyclesTotal    *prometheus.CounterVec
	limiterRPS     prometheus.Gauge
	cursorValue    prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_platform_requests_total",
			Help: "Total platform requests by HTTP status code.",
		}, []string{"code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_platform_request_seconds",
			Help:    "Platform request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_items_total",
			Help: "Items by resolution outcome (accepted, filtered, duplicate, error).",
		}, []string{"outcome"}),
		gateExclusions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_gate_exclusions_total",
			Help: "Source items excluded by the quality gate, by stage.",
		}, []string{"stage"}),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_cycles_total",
			Help: "Discovery cycles by kind and outcome.",
		}, []string{"kind", "outcome"}),
		limiterRPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_limiter_rps",
			Help: "Current adaptive limiter rate.",
		}),
		cursorValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_cursor_activity_id",
			Help: "Last persisted activity id.",
		}),
	}
	reg.MustRegister(m.requestsTotal, m.requestLatency, m.itemsTotal,
		m.gateExclusions, m.cyclesTotal, m.limiterRPS, m.cursorValue)
	return m
}

func (m *Metrics) ObserveFetch(meta adapters.FetchMeta, err error) {
	if m == nil {
		return
	}
	code := meta.StatusCode
	if code == 0 && err != nil {
		code = 520 // unknown error
	}
	m.requestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	if meta.Latency > 0 {
		m.requestLatency.Observe(meta.Latency.Seconds())
	}
}

func (m *Metrics) CountItem(outcome string) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CountExclusion(stage string) {
	if m == nil {
		return
	}
	m.gateExclusions.WithLabelValues(stage).Inc()
}

func (m *Metrics) CountCycle(kind, outcome string) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetLimiterRPS(v float64) {
	if m == nil {
		return
	}
	m.limiterRPS.Set(v)
}

func (m *Metrics) SetCursor(id uint64) {
	if m == nil {
		return
	}
	m.cursorValue.Set(float64(id))
}

// startMetrics serves /metrics and /debug/pprof/* on addr when set.
func startMetrics(addr string, m *Metrics) {
	if addr == "" || m == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.ListenAndServe()
	}()
}

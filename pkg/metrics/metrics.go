package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relaycast/relaycast/internal/common/config"
)

type Metrics struct {
	registry    *prometheus.Registry
	namespace   string
	httpReqCnt  *prometheus.CounterVec
	httpDur     *prometheus.HistogramVec
	httpInfl    *prometheus.GaugeVec
	publishCnt  *prometheus.CounterVec
	publishDur  *prometheus.HistogramVec
	dropCnt     *prometheus.CounterVec
	replayGaps  prometheus.Counter
	sweepCnt    *prometheus.CounterVec
	sessions    prometheus.Gauge
	subscribers prometheus.Gauge
	storeBytes  prometheus.Gauge
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	// Register basic HTTP metrics
	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	publishCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "events_published_total"}, []string{"type"})
	publishDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "publish_duration_seconds", Buckets: cfg.Buckets}, []string{"type"})
	dropCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "events_dropped_total"}, []string{"policy"})
	replayGaps := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "replay_gaps_total"})
	sweepCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "sweep_evictions_total"}, []string{"kind"})
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "sessions_active"})
	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "subscribers_active"})
	storeBytes := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "store_bytes"})
	r.MustRegister(publishCnt, publishDur, dropCnt, replayGaps, sweepCnt, sessions, subscribers, storeBytes)

	return &Metrics{
		registry:    r,
		namespace:   ns,
		httpReqCnt:  httpReqCnt,
		httpDur:     httpDur,
		httpInfl:    httpInfl,
		publishCnt:  publishCnt,
		publishDur:  publishDur,
		dropCnt:     dropCnt,
		replayGaps:  replayGaps,
		sweepCnt:    sweepCnt,
		sessions:    sessions,
		subscribers: subscribers,
		storeBytes:  storeBytes,
	}
}

func (m *Metrics) PublishDone(eventType string, since time.Time) {
	m.publishCnt.WithLabelValues(eventType).Inc()
	m.publishDur.WithLabelValues(eventType).Observe(time.Since(since).Seconds())
}

func (m *Metrics) EventDropped(policy string) {
	m.dropCnt.WithLabelValues(policy).Inc()
}

func (m *Metrics) ReplayGap() {
	m.replayGaps.Inc()
}

func (m *Metrics) SweepEvicted(kind string) {
	m.sweepCnt.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetSessionsActive(n int) {
	m.sessions.Set(float64(n))
}

func (m *Metrics) SubscriberAdded() {
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	m.subscribers.Dec()
}

func (m *Metrics) SetStoreBytes(n int64) {
	m.storeBytes.Set(float64(n))
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = routeFromURL(c.Request.URL.Path)
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := httpStatus(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func routeFromURL(path string) string {
	if strings.HasSuffix(path, "/stream") {
		return "/sessions/:id/stream"
	}
	if strings.HasSuffix(path, "/events") {
		return "/api/sessions/:id/events"
	}
	return path
}

func httpStatus(code int) string { return strconv.Itoa(code) }

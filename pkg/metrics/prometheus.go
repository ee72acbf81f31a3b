package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	messagesSent *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	latency      *prometheus.HistogramVec

	requests      *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	limiterWait   *prometheus.HistogramVec
	tokenRefresh  *prometheus.CounterVec
	streamMsgs    *prometheus.CounterVec
	streamState   *prometheus.GaugeVec
	reconnects    *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	sourceFetches *prometheus.HistogramVec
}

var streamStates = []string{"disconnected", "connecting", "connected", "disconnecting", "error"}

// New registers the recorder's collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketgate_messages_sent_total",
			Help: "Stream events delivered to a sink",
		}, []string{"backend", "stream"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketgate_errors_total",
			Help: "Errors by kind",
		}, []string{"type"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketgate_operation_duration_seconds",
			Help:    "Duration of internal operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		requests: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketgate_upstream_request_duration_seconds",
			Help:    "Upstream request duration including retries, by outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketgate_upstream_retries_total",
			Help: "Upstream retries by provider and failure kind",
		}, []string{"provider", "kind"}),
		limiterWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketgate_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limit slot",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),
		tokenRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketgate_token_refresh_total",
			Help: "Credential refresh calls by result",
		}, []string{"result"}),
		streamMsgs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketgate_stream_messages_total",
			Help: "Inbound stream messages dispatched to a subscription",
		}, []string{"stream"}),
		streamState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketgate_stream_state",
			Help: "1 for the stream manager's current state",
		}, []string{"state"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketgate_stream_reconnects_total",
			Help: "Stream reconnect attempts by outcome",
		}, []string{"outcome"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketgate_cache_lookups_total",
			Help: "Cache lookups by cache and result",
		}, []string{"cache", "result"}),
		sourceFetches: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketgate_news_source_fetch_seconds",
			Help:    "News source fetch duration by outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"source", "outcome"}),
	}
}

// RecordMessageSent records a stream event delivered to a sink.
func (r *Recorder) RecordMessageSent(backend, stream string) {
	r.messagesSent.WithLabelValues(backend, stream).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordRequest(provider, outcome string, d time.Duration) {
	r.requests.WithLabelValues(providerLabel(provider), outcome).Observe(d.Seconds())
}

func (r *Recorder) RecordRetry(provider, kind string) {
	r.retries.WithLabelValues(providerLabel(provider), kind).Inc()
}

func (r *Recorder) RecordRateLimitWait(provider string, d time.Duration) {
	r.limiterWait.WithLabelValues(providerLabel(provider)).Observe(d.Seconds())
}

func (r *Recorder) RecordTokenRefresh(result string) {
	r.tokenRefresh.WithLabelValues(result).Inc()
}

func (r *Recorder) RecordStreamMessage(stream string) {
	r.streamMsgs.WithLabelValues(stream).Inc()
}

// RecordStreamState sets the gauge of state to 1 and every other state to 0.
func (r *Recorder) RecordStreamState(state string) {
	for _, s := range streamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.streamState.WithLabelValues(s).Set(v)
	}
}

func (r *Recorder) RecordReconnect(outcome string) {
	r.reconnects.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (r *Recorder) RecordSourceFetch(source, outcome string, d time.Duration) {
	r.sourceFetches.WithLabelValues(source, outcome).Observe(d.Seconds())
}

func providerLabel(p string) string {
	if p == "" {
		return "default"
	}
	return p
}

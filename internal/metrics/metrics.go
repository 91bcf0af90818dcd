package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Proxy metrics (low-cardinality)
var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total proxy responses by method, status and route kind",
		},
		[]string{"method", "status", "kind"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "End-to-end proxy request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "kind"},
	)
	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_inflight",
			Help: "Number of in-flight inbound requests",
		},
	)
	streamBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_stream_bytes_total",
			Help: "Total bytes streamed to clients in range-aware mode",
		},
	)
	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_streams_active",
			Help: "Number of currently active media streams",
		},
	)
	probeStrategies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_probe_strategies_total",
			Help: "Content probe attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)
)

// Upstream proxy pool metrics
var (
	poolWorking = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_pool_working",
			Help: "Number of upstream proxies currently eligible for selection",
		},
	)
	poolEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_pool_events_total",
			Help: "Upstream proxy pool events (validated, success, failure, removed)",
		},
		[]string{"event"},
	)
)

// Inbound queue metrics
var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_queue_depth",
			Help: "Current queue depth (waiting only)",
		},
	)
	queueRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_queue_rejected_total",
			Help: "Total requests rejected due to full queue",
		},
	)
	queueTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_queue_timeouts_total",
			Help: "Total requests that timed out while waiting in queue",
		},
	)
	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxy_queue_wait_seconds",
			Help:    "Observed time spent waiting in the queue",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		requestDuration,
		inflight,
		streamBytesTotal,
		streamsActive,
		probeStrategies,
		poolWorking,
		poolEvents,
		queueDepth,
		queueRejected,
		queueTimeouts,
		queueWait,
	)
}

// ---- Request helpers ----

func ObserveResponse(method string, status int, kind string, dur time.Duration) {
	if kind == "" {
		kind = "generic"
	}
	requestsTotal.WithLabelValues(method, strconv.Itoa(status), kind).Inc()
	requestDuration.WithLabelValues(method, kind).Observe(dur.Seconds())
}

func InflightInc() { inflight.Inc() }
func InflightDec() { inflight.Dec() }

// ---- Streaming helpers ----

func AddStreamBytes(n int64) { streamBytesTotal.Add(float64(n)) }
func StreamStarted()         { streamsActive.Inc() }
func StreamFinished()        { streamsActive.Dec() }

// ---- Probe helpers ----

func ProbeStrategy(strategy string, ok bool) {
	outcome := "miss"
	if ok {
		outcome = "hit"
	}
	probeStrategies.WithLabelValues(strategy, outcome).Inc()
}

// ---- Pool helpers ----

func SetWorkingProxies(n int)   { poolWorking.Set(float64(n)) }
func PoolEvent(event string)    { poolEvents.WithLabelValues(event).Inc() }

// ---- Queue helpers ----

func QueueRejectedInc()                { queueRejected.Inc() }
func QueueTimeoutsInc()                { queueTimeouts.Inc() }
func QueueWaitObserve(d time.Duration) { queueWait.Observe(d.Seconds()) }
func QueueDepthSet(depth int64)        { queueDepth.Set(float64(depth)) }

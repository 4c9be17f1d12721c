package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_http_requests_total",
			Help: "Total number of HTTP requests processed by the diagnostics server.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_connection_state",
			Help: "Current connection state, one-hot per state label.",
		},
		[]string{"state"},
	)
	reconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts.",
		},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_frames_total",
			Help: "Total number of websocket frames by direction.",
		},
		[]string{"direction"},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_events_total",
			Help: "Total number of decoded wire events by kind.",
		},
		[]string{"kind"},
	)
	droppedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_dropped_frames_total",
			Help: "Total number of inbound frames dropped by the codec.",
		},
		[]string{"reason"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		connectionState,
		reconnectAttemptsTotal,
		framesTotal,
		eventsTotal,
		droppedFramesTotal,
		amqpPublishErrorsTotal,
	)
}

// HTTPMetricsMiddleware records request counts and latencies for the
// diagnostics server.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// SetConnectionState flips the one-hot connection state gauge.
func SetConnectionState(state string) {
	for _, s := range []string{"disconnected", "connecting", "connected"} {
		value := 0.0
		if s == state {
			value = 1.0
		}
		connectionState.WithLabelValues(s).Set(value)
	}
}

func IncReconnectAttempt() {
	reconnectAttemptsTotal.Inc()
}

func IncFrame(direction string) {
	framesTotal.WithLabelValues(direction).Inc()
}

func IncEvent(kind string) {
	eventsTotal.WithLabelValues(kind).Inc()
}

func IncDroppedFrame(reason string) {
	droppedFramesTotal.WithLabelValues(reason).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

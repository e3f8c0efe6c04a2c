package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const namespace = "chat"

var (
	// HTTP surface: uploads, downloads, presign.
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by route and status.",
	}, []string{"method", "route", "status"})
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
	}, []string{"route"})

	// Socket gateway.
	socketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "socket",
		Name:      "connections",
		Help:      "Open socket connections.",
	})
	socketLifecycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "socket",
		Name:      "lifecycle_events_total",
		Help:      "Socket connects, disconnects and errors.",
	}, []string{"event"})
	socketRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "socket",
		Name:      "requests_total",
		Help:      "Acknowledged socket requests, by event and outcome.",
	}, []string{"event", "outcome"})
	socketRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "socket",
		Name:      "request_duration_seconds",
		Help:      "Time from socket request to ack.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event"})

	// Domain.
	messagesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_created_total",
		Help:      "Messages stored, by attachment kind.",
	}, []string{"kind"})
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Attachment uploads received, by outcome.",
	}, []string{"outcome"})
	eventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "publish_failures_total",
		Help:      "Events the broker refused, by routing key.",
	}, []string{"routing_key"})

	grpcHandledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "handled_total",
		Help:      "Unary gRPC calls completed, by method and code.",
	}, []string{"service", "method", "code"})
)

// HTTPMetricsMiddleware records request counts and latency per matched route.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := routeOf(c)
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// routeOf prefers the route template so ids do not explode label cardinality.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

// UnaryServerMetrics counts handled unary calls by status code.
func UnaryServerMetrics() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// splitFullMethod splits "/pkg.Service/Method".
func splitFullMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || service == "" || method == "" {
		return "unknown", "unknown"
	}
	return service, method
}

// SocketOpened and SocketClosed track the open connection gauge.
func SocketOpened() {
	socketConnections.Inc()
	socketLifecycleTotal.WithLabelValues(SocketConnect).Inc()
}

func SocketClosed() {
	socketConnections.Dec()
	socketLifecycleTotal.WithLabelValues(SocketDisconnect).Inc()
}

func SocketErrored() {
	socketLifecycleTotal.WithLabelValues(SocketError).Inc()
}

func ObserveSocketRequest(event, outcome string, elapsed time.Duration) {
	socketRequestsTotal.WithLabelValues(event, outcome).Inc()
	socketRequestDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

func IncMessageCreated(kind string) {
	messagesCreatedTotal.WithLabelValues(kind).Inc()
}

func IncUpload(outcome string) {
	uploadsTotal.WithLabelValues(outcome).Inc()
}

package observability

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API, the channel queues
// and the outcome event subscriber.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	notificationsSentTotal   *prometheus.CounterVec
	notificationsFailedTotal *prometheus.CounterVec
	notificationSendDuration *prometheus.HistogramVec
	workerInflight           *prometheus.GaugeVec
	retryScheduledTotal      *prometheus.CounterVec
	notificationsCreated     *prometheus.CounterVec
	deliveryAttemptsTotal    *prometheus.CounterVec
	queueDepth               *prometheus.GaugeVec
	providerAvailable        *prometheus.GaugeVec
	providerLatency          *prometheus.GaugeVec
	cacheLookupsTotal        *prometheus.CounterVec
	eventsDroppedTotal       *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dispatch_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		notificationsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch_engine",
				Name:      "notifications_sent_total",
				Help:      "Total number of notifications sent successfully.",
			},
			[]string{"channel"},
		),
		notificationsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch_engine",
				Name:      "notifications_failed_total",
				Help:      "Total number of notifications that ended in failed state.",
			},
			[]string{"channel", "reason"},
		),
		notificationSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dispatch_engine",
				Name:      "notification_send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dispatch_engine",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight worker operations grouped by channel.",
			},
			[]string{"channel"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch_engine",
				Name:      "retry_scheduled_total",
				Help:      "Total number of notifications scheduled for retry.",
			},
			[]string{"channel"},
		),
		notificationsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch_engine",
				Name:      "notifications_created_total",
				Help:      "Total number of accepted notifications grouped by channel and priority.",
			},
			[]string{"channel", "priority"},
		),
		deliveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch_engine",
				Name:      "delivery_attempts_total",
				Help:      "Total number of completed delivery attempts grouped by channel and status.",
			},
			[]string{"channel", "status"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dispatch_engine",
				Name:      "queue_depth",
				Help:      "Waiting plus eligible jobs per channel queue.",
			},
			[]string{"channel"},
		),
		providerAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dispatch_engine",
				Name:      "provider_available",
				Help:      "1 when the channel provider reported itself available at the last health check.",
			},
			[]string{"channel"},
		),
		providerLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dispatch_engine",
				Name:      "provider_status_latency_seconds",
				Help:      "Latency of the last provider status probe.",
			},
			[]string{"channel"},
		),
		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch_engine",
				Name:      "cache_lookups_total",
				Help:      "Cache lookups grouped by layer and result.",
			},
			[]string{"layer", "result"},
		),
		eventsDroppedTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dispatch_engine",
				Name:      "events_dropped",
				Help:      "Outcome events dropped per subscriber because its buffer was full.",
			},
			[]string{"subscriber"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.notificationsSentTotal,
		m.notificationsFailedTotal,
		m.notificationSendDuration,
		m.workerInflight,
		m.retryScheduledTotal,
		m.notificationsCreated,
		m.deliveryAttemptsTotal,
		m.queueDepth,
		m.providerAvailable,
		m.providerLatency,
		m.cacheLookupsTotal,
		m.eventsDroppedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncNotificationSent(channel string) {
	if m == nil {
		return
	}
	m.notificationsSentTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncNotificationFailed(channel string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.notificationsFailedTotal.WithLabelValues(normalizeChannel(channel), reasonLabel).Inc()
}

func (m *Metrics) ObserveNotificationSendDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.notificationSendDuration.WithLabelValues(normalizeChannel(channel)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(channel string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) DecWorkerInFlight(channel string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeChannel(channel)).Dec()
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncNotificationCreated(channel string, priority string) {
	if m == nil {
		return
	}
	m.notificationsCreated.WithLabelValues(normalizeChannel(channel), normalizeLabel(priority)).Inc()
}

func (m *Metrics) IncDeliveryAttempt(channel string, status string) {
	if m == nil {
		return
	}
	m.deliveryAttemptsTotal.WithLabelValues(normalizeChannel(channel), normalizeLabel(status)).Inc()
}

func (m *Metrics) SetQueueDepth(channel string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeChannel(channel)).Set(float64(depth))
}

func (m *Metrics) SetProviderStatus(channel string, available bool, latency time.Duration) {
	if m == nil {
		return
	}
	value := 0.0
	if available {
		value = 1
	}
	m.providerAvailable.WithLabelValues(normalizeChannel(channel)).Set(value)
	m.providerLatency.WithLabelValues(normalizeChannel(channel)).Set(max(latency.Seconds(), 0))
}

// ObserveCacheLookup satisfies cache.Recorder.
func (m *Metrics) ObserveCacheLookup(layer string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(normalizeLabel(layer), result).Inc()
}

func (m *Metrics) SetEventsDropped(subscriber string, dropped int64) {
	if m == nil {
		return
	}
	m.eventsDroppedTotal.WithLabelValues(normalizeLabel(subscriber)).Set(float64(dropped))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// normalizeChannel keeps label cardinality bounded to the known channels.
func normalizeChannel(channel string) string {
	ch := domain.Channel(strings.ToLower(strings.TrimSpace(channel)))
	if !ch.IsValid() {
		return "unknown"
	}
	return ch.String()
}

package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/events"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsWorkerCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncNotificationSent("SMS")
	metrics.IncNotificationFailed("sms", "permanent_error")
	metrics.ObserveNotificationSendDuration("sms", 120*time.Millisecond)
	metrics.IncWorkerInFlight("sms")
	metrics.DecWorkerInFlight("sms")
	metrics.IncRetryScheduled("sms")

	if got := testutil.ToFloat64(metrics.notificationsSentTotal.WithLabelValues("sms")); got != 1 {
		t.Fatalf("notifications_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.notificationsFailedTotal.WithLabelValues("sms", "permanent_error")); got != 1 {
		t.Fatalf("notifications_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retryScheduledTotal.WithLabelValues("sms")); got != 1 {
		t.Fatalf("retry_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.workerInflight.WithLabelValues("sms")); got != 0 {
		t.Fatalf("worker_inflight = %v, want 0", got)
	}

	metrics.IncNotificationSent("fax")
	if got := testutil.ToFloat64(metrics.notificationsSentTotal.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("notifications_sent_total{unknown} = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsDispatchCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.SetQueueDepth("email", 7)
	metrics.SetProviderStatus("webhook", false, 0)
	metrics.SetProviderStatus("email", true, 15*time.Millisecond)
	metrics.ObserveCacheLookup("remote", true)
	metrics.ObserveCacheLookup("local", false)
	metrics.SetEventsDropped("relay", 3)

	if got := testutil.ToFloat64(metrics.queueDepth.WithLabelValues("email")); got != 7 {
		t.Fatalf("queue_depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(metrics.providerAvailable.WithLabelValues("webhook")); got != 0 {
		t.Fatalf("provider_available{webhook} = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.providerAvailable.WithLabelValues("email")); got != 1 {
		t.Fatalf("provider_available{email} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.cacheLookupsTotal.WithLabelValues("remote", "hit")); got != 1 {
		t.Fatalf("cache_lookups_total{remote,hit} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.cacheLookupsTotal.WithLabelValues("local", "miss")); got != 1 {
		t.Fatalf("cache_lookups_total{local,miss} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.eventsDroppedTotal.WithLabelValues("relay")); got != 3 {
		t.Fatalf("events_dropped = %v, want 3", got)
	}
}

func TestEventRecorderMapsEventsToMetrics(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	recorder := NewEventRecorder(metrics, nil)
	bus := events.NewBus(nil)
	sub := bus.Subscribe("metrics", 16)

	bus.Publish(events.Event{Type: events.NotificationCreated, Channel: domain.ChannelSMS, Priority: "high"})
	bus.Publish(events.Event{Type: events.DeliveryAttempted, Channel: domain.ChannelSMS, Status: "failed", AttemptCount: 1})
	bus.Publish(events.Event{Type: events.RetryScheduled, Channel: domain.ChannelSMS, AttemptCount: 1})
	bus.Publish(events.Event{Type: events.DeliveryAttempted, Channel: domain.ChannelSMS, Status: "success", AttemptCount: 2})
	bus.Publish(events.Event{Type: events.NotificationSent, Channel: domain.ChannelSMS})
	bus.Publish(events.Event{Type: events.NotificationFailed, Channel: domain.ChannelEmail, Reason: "preference_blocked"})
	bus.Close()

	if err := recorder.Run(context.Background(), sub); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{name: "created", got: testutil.ToFloat64(metrics.notificationsCreated.WithLabelValues("sms", "high")), want: 1},
		{name: "attempt failed", got: testutil.ToFloat64(metrics.deliveryAttemptsTotal.WithLabelValues("sms", "failed")), want: 1},
		{name: "attempt success", got: testutil.ToFloat64(metrics.deliveryAttemptsTotal.WithLabelValues("sms", "success")), want: 1},
		{name: "retry", got: testutil.ToFloat64(metrics.retryScheduledTotal.WithLabelValues("sms")), want: 1},
		{name: "sent", got: testutil.ToFloat64(metrics.notificationsSentTotal.WithLabelValues("sms")), want: 1},
		{name: "failed", got: testutil.ToFloat64(metrics.notificationsFailedTotal.WithLabelValues("email", "preference_blocked")), want: 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opsdash/dispatch-engine/internal/cache"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/events"
	"github.com/opsdash/dispatch-engine/internal/queue"
	"github.com/opsdash/dispatch-engine/internal/repository"
	"go.uber.org/zap"
)

func newTestNotificationService(t *testing.T, store repository.Store, enqueuer Enqueuer, statsCache *cache.Cache, bus *events.Bus) *NotificationService {
	t.Helper()

	svc, err := NewNotificationService(store, enqueuer, newTestTracker(t, store, bus), statsCache, bus, zap.NewNop())
	if err != nil {
		t.Fatalf("NewNotificationService() error = %v", err)
	}
	return svc
}

func validRequest() SendRequest {
	return SendRequest{
		TenantID:      "tenant-1",
		Title:         "Disk usage high",
		Content:       "node-3 is at 91%",
		Channel:       "SMS",
		Priority:      "medium",
		Recipient:     "+905551112233",
		Metadata:      json.RawMessage(`{"host":"node-3"}`),
		CorrelationID: "req-1",
	}
}

func TestNewNotificationServiceValidation(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	tracker := newTestTracker(t, store, nil)

	if _, err := NewNotificationService(nil, &fakeEnqueuer{}, tracker, nil, nil, nil); err == nil {
		t.Fatal("expected error when store is nil")
	}
	if _, err := NewNotificationService(store, nil, tracker, nil, nil, nil); err == nil {
		t.Fatal("expected error when enqueuer is nil")
	}
	if _, err := NewNotificationService(store, &fakeEnqueuer{}, nil, nil, nil, nil); err == nil {
		t.Fatal("expected error when tracker is nil")
	}
}

func TestNotificationServiceSendHappyPath(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	enqueuer := &fakeEnqueuer{}
	bus := events.NewBus(nil)
	log := newEventLog(bus)
	svc := newTestNotificationService(t, store, enqueuer, nil, bus)

	n, err := svc.Send(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n.ID == "" || n.Status != domain.StatusPending || n.Channel != domain.ChannelSMS || n.Priority != domain.PriorityMedium {
		t.Fatalf("notification = %+v", n)
	}

	stored, err := store.Notifications().GetByID(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != domain.StatusPending {
		t.Fatalf("stored status = %s, want pending", stored.Status)
	}

	jobs := enqueuer.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(jobs))
	}
	got := jobs[0]
	if got.job.NotificationID != n.ID || got.job.Channel != domain.ChannelSMS || got.job.CorrelationID != "req-1" {
		t.Fatalf("job = %+v", got.job)
	}
	if got.opts.Delay != 5*time.Second || got.opts.Priority != 2 {
		t.Fatalf("enqueue options = %+v, want 5s delay and level 2", got.opts)
	}
	if string(got.job.Metadata) != `{"host":"node-3"}` {
		t.Fatalf("job metadata = %s", got.job.Metadata)
	}

	published := log.Drain()
	if len(published) != 1 || published[0].Type != events.NotificationCreated || published[0].Priority != "medium" {
		t.Fatalf("events = %+v, want one created event", published)
	}
}

func TestNotificationServiceSendDefaultsToLowPriority(t *testing.T) {
	t.Parallel()

	enqueuer := &fakeEnqueuer{}
	svc := newTestNotificationService(t, repository.NewMemoryStore(), enqueuer, nil, nil)

	req := validRequest()
	req.Priority = ""
	n, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n.Priority != domain.PriorityLow {
		t.Fatalf("priority = %s, want low", n.Priority)
	}
	if opts := enqueuer.Jobs()[0].opts; opts.Delay != 10*time.Second || opts.Priority != 3 {
		t.Fatalf("enqueue options = %+v, want 10s delay and level 3", opts)
	}
}

func TestNotificationServiceSendValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(r *SendRequest)
	}{
		{name: "missing tenant", mutate: func(r *SendRequest) { r.TenantID = "" }},
		{name: "missing title", mutate: func(r *SendRequest) { r.Title = " " }},
		{name: "missing content", mutate: func(r *SendRequest) { r.Content = "" }},
		{name: "missing recipient", mutate: func(r *SendRequest) { r.Recipient = "" }},
		{name: "unknown channel", mutate: func(r *SendRequest) { r.Channel = "fax" }},
		{name: "unknown priority", mutate: func(r *SendRequest) { r.Priority = "urgent" }},
		{name: "sms too long", mutate: func(r *SendRequest) { r.Content = strings.Repeat("a", domain.MaxSMSContent+1) }},
		{name: "push too long", mutate: func(r *SendRequest) {
			r.Channel = "push"
			r.Content = strings.Repeat("a", domain.MaxPushContent+1)
		}},
		{name: "metadata not an object", mutate: func(r *SendRequest) { r.Metadata = json.RawMessage(`[1,2]`) }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := repository.NewMemoryStore()
			enqueuer := &fakeEnqueuer{}
			svc := newTestNotificationService(t, store, enqueuer, nil, nil)

			req := validRequest()
			tt.mutate(&req)
			_, err := svc.Send(context.Background(), req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("Send() error = %v, want ErrValidation", err)
			}
			if len(enqueuer.Jobs()) != 0 {
				t.Fatal("invalid request must not be enqueued")
			}
			if _, total, _ := store.Notifications().List(context.Background(), repository.ListParams{TenantID: "tenant-1"}); total != 0 {
				t.Fatalf("persisted %d notifications, want 0", total)
			}
		})
	}
}

func TestNotificationServiceSendEnqueueFailureMarksFailed(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	bus := events.NewBus(nil)
	log := newEventLog(bus)
	enqueuer := &fakeEnqueuer{
		enqueueFn: func(context.Context, queue.Job, queue.EnqueueOptions) error {
			return errors.New("redis unavailable")
		},
	}
	svc := newTestNotificationService(t, store, enqueuer, nil, bus)

	if _, err := svc.Send(context.Background(), validRequest()); err == nil {
		t.Fatal("expected enqueue error")
	}

	list, total, err := store.Notifications().List(context.Background(), repository.ListParams{TenantID: "tenant-1"})
	if err != nil || total != 1 {
		t.Fatalf("List() = %d, %v; want one notification", total, err)
	}
	if list[0].Status != domain.StatusFailed || list[0].Error == nil {
		t.Fatalf("notification = %+v, want failed with error", list[0])
	}

	published := log.Drain()
	if countEvents(published, events.NotificationCreated) != 0 || countEvents(published, events.NotificationFailed) != 1 {
		t.Fatalf("events = %+v", published)
	}
	for _, e := range published {
		if e.Type == events.NotificationFailed && e.Reason != ReasonEnqueueFailed {
			t.Fatalf("reason = %q, want %q", e.Reason, ReasonEnqueueFailed)
		}
	}
}

func TestNotificationServiceGetDeliveryStatsIsCached(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	statsCache := cache.New(cache.Options{})
	svc := newTestNotificationService(t, store, &fakeEnqueuer{}, statsCache, nil)
	tracker := newTestTracker(t, store, nil)

	n := seedNotification(t, store, nil)
	if _, err := tracker.Track(context.Background(), queue.JobFromNotification(n), sendOK("email_1")); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	first, err := svc.GetDeliveryStats(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("GetDeliveryStats() error = %v", err)
	}
	if first.Total != 1 || first.Sent != 1 {
		t.Fatalf("stats = %+v, want one sent attempt", first)
	}

	other := seedNotification(t, store, nil)
	if _, err := tracker.Track(context.Background(), queue.JobFromNotification(other), sendOK("email_2")); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	second, err := svc.GetDeliveryStats(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("GetDeliveryStats() error = %v", err)
	}
	if second != first {
		t.Fatalf("stats = %+v, want cached %+v", second, first)
	}

	statsCache.Delete(context.Background(), statsCachePrefix+"tenant-1")
	third, _ := svc.GetDeliveryStats(context.Background(), "tenant-1")
	if third.Total != 2 || third.Total != third.Sent+third.Failed+third.Pending {
		t.Fatalf("stats = %+v, want two attempts after invalidation", third)
	}

	if _, err := svc.GetDeliveryStats(context.Background(), " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("GetDeliveryStats(empty) error = %v, want ErrValidation", err)
	}
}

func TestNotificationServiceGetIsTenantScoped(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, &fakeEnqueuer{}, nil, nil)
	tracker := newTestTracker(t, store, nil)

	n := seedNotification(t, store, nil)
	if _, err := tracker.Track(context.Background(), queue.JobFromNotification(n), sendErr(errors.New("timeout"))); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if _, err := tracker.Track(context.Background(), queue.JobFromNotification(n), sendOK("email_1")); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	detail, err := svc.Get(context.Background(), "tenant-1", n.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if detail.Notification.Status != domain.StatusSent || len(detail.Attempts) != 2 {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.Attempts[0].AttemptCount != 1 || detail.Attempts[1].AttemptCount != 2 {
		t.Fatalf("attempts out of order: %+v", detail.Attempts)
	}

	for _, tc := range []struct{ tenant, id string }{
		{tenant: "tenant-2", id: n.ID},
		{tenant: "tenant-1", id: "not-a-uuid"},
		{tenant: "tenant-1", id: "6f1c1f9e-8d2a-4c3b-9a57-1f0b6a0d9e21"},
	} {
		if _, err := svc.Get(context.Background(), tc.tenant, tc.id); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get(%q, %q) error = %v, want ErrNotFound", tc.tenant, tc.id, err)
		}
	}
}

func TestNotificationServiceListRequiresTenant(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, &fakeEnqueuer{}, nil, nil)
	seedNotification(t, store, nil)
	seedNotification(t, store, func(n *domain.Notification) { n.TenantID = "tenant-2" })

	if _, _, err := svc.List(context.Background(), repository.ListParams{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("List() error = %v, want ErrValidation", err)
	}

	list, total, err := svc.List(context.Background(), repository.ListParams{TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || len(list) != 1 || list[0].TenantID != "tenant-1" {
		t.Fatalf("List() = %+v (total %d), want only tenant-1", list, total)
	}
}

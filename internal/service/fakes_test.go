package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/events"
	"github.com/opsdash/dispatch-engine/internal/provider"
	"github.com/opsdash/dispatch-engine/internal/queue"
	"github.com/opsdash/dispatch-engine/internal/repository"
	"go.uber.org/zap"
)

type fakeProvider struct {
	channel domain.Channel
	mu      sync.Mutex
	calls   int
	sendFn  func(ctx context.Context, message provider.Message) (*provider.Response, error)
}

func (f *fakeProvider) Channel() domain.Channel { return f.channel }

func (f *fakeProvider) Send(ctx context.Context, message provider.Message) (*provider.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(ctx, message)
	}
	return &provider.Response{StatusCode: 200, MessageID: "msg-" + message.NotificationID}, nil
}

func (f *fakeProvider) ValidateConfig() bool { return true }

func (f *fakeProvider) Status(context.Context) provider.Status {
	return provider.Status{Available: true}
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProviderLookup struct {
	providers map[domain.Channel]provider.Provider
}

func (f *fakeProviderLookup) Get(channel domain.Channel) (provider.Provider, error) {
	p, ok := f.providers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for channel %q", domain.ErrNotFound, channel)
	}
	return p, nil
}

type enqueuedJob struct {
	job  queue.Job
	opts queue.EnqueueOptions
}

type fakeEnqueuer struct {
	mu        sync.Mutex
	jobs      []enqueuedJob
	enqueueFn func(ctx context.Context, job queue.Job, opts queue.EnqueueOptions) error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job queue.Job, opts queue.EnqueueOptions) (queue.Job, error) {
	if f.enqueueFn != nil {
		if err := f.enqueueFn(ctx, job, opts); err != nil {
			return queue.Job{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, enqueuedJob{job: job, opts: opts})
	return job, nil
}

func (f *fakeEnqueuer) Jobs() []enqueuedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueuedJob(nil), f.jobs...)
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, key string) error
}

func (f *fakeRateLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (f *fakeRateLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, key)
	}
	return nil
}

// eventLog drains a bus subscription so tests can assert on published events.
type eventLog struct {
	sub *events.Subscription
}

func newEventLog(bus *events.Bus) *eventLog {
	return &eventLog{sub: bus.Subscribe("test", 256)}
}

func (l *eventLog) Drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-l.sub.C():
			out = append(out, e)
		default:
			return out
		}
	}
}

func countEvents(all []events.Event, typ events.Type) int {
	n := 0
	for _, e := range all {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func newTestTracker(t *testing.T, store repository.Store, bus *events.Bus) *DeliveryTracker {
	t.Helper()

	tracker, err := NewDeliveryTracker(store, bus, time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDeliveryTracker() error = %v", err)
	}
	return tracker
}

func seedNotification(t *testing.T, store repository.Store, mutate func(n *domain.Notification)) *domain.Notification {
	t.Helper()

	now := time.Now().UTC()
	n := &domain.Notification{
		ID:        uuid.NewString(),
		TenantID:  "tenant-1",
		Title:     "Deploy finished",
		Content:   "build 42 is live",
		Channel:   domain.ChannelEmail,
		Status:    domain.StatusPending,
		Priority:  domain.PriorityHigh,
		Recipient: "ops@example.com",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mutate != nil {
		mutate(n)
	}
	if err := store.Notifications().Create(context.Background(), n); err != nil {
		t.Fatalf("seed notification: %v", err)
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

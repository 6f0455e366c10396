package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
	"go.uber.org/zap"
)

type Type string

const (
	NotificationCreated Type = "notification.created"
	DeliveryAttempted   Type = "delivery.attempted"
	RetryScheduled      Type = "delivery.retry_scheduled"
	NotificationSent    Type = "notification.sent"
	NotificationFailed  Type = "notification.failed"
)

// Event is an outcome notice. Delivery never depends on its consumption.
type Event struct {
	Type              Type           `json:"type"`
	NotificationID    string         `json:"notificationId"`
	TenantID          string         `json:"tenantId,omitempty"`
	Channel           domain.Channel `json:"channel"`
	Priority          string         `json:"priority,omitempty"`
	AttemptCount      int            `json:"attemptCount,omitempty"`
	Status            string         `json:"status,omitempty"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	Error             string         `json:"error,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	DurationMs        int64          `json:"durationMs,omitempty"`
	OccurredAt        time.Time      `json:"occurredAt"`
}

// Subscription is one buffered consumer of the bus.
type Subscription struct {
	name    string
	ch      chan Event
	dropped atomic.Int64
}

func (s *Subscription) Name() string { return s.name }

func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Bus fans events out to subscribers without ever blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
	logger *zap.Logger
	now    func() time.Time
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, now: time.Now}
}

func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{name: name, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			if sub.dropped.Add(1) == 1 {
				b.logger.Warn("event subscriber is falling behind, dropping events",
					zap.String("subscriber", sub.name),
					zap.String("eventType", string(e.Type)),
				)
			}
		}
	}
}

// Close stops delivery and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
}

// Consume calls fn for each event until ctx is canceled or the bus closes.
func Consume(ctx context.Context, sub *Subscription, fn func(context.Context, Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			fn(ctx, e)
		}
	}
}

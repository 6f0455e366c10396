package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
)

func newTestNotification(id, tenant string, createdAt time.Time) *domain.Notification {
	return &domain.Notification{
		ID:        id,
		TenantID:  tenant,
		Title:     "title",
		Content:   "content",
		Channel:   domain.ChannelEmail,
		Status:    domain.StatusPending,
		Priority:  domain.PriorityHigh,
		Recipient: "a@b.com",
		CreatedAt: createdAt,
	}
}

func TestMemoryStoreTerminalTransitionsAreMonotone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Notifications().Create(ctx, newTestNotification("n1", "t1", time.Now())); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sentAt := time.Now().UTC()
	msgID := "msg-1"
	updated, err := store.Notifications().MarkSent(ctx, "n1", &msgID, sentAt)
	if err != nil || !updated {
		t.Fatalf("MarkSent() = %v, %v, want true, nil", updated, err)
	}

	updated, err = store.Notifications().MarkFailed(ctx, "n1", "late failure", sentAt)
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if updated {
		t.Fatal("MarkFailed() should not move a sent notification")
	}

	n, err := store.Notifications().GetByID(ctx, "n1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if n.Status != domain.StatusSent || n.SentAt == nil || n.Error != nil {
		t.Fatalf("notification = %+v, want sent with sentAt and no error", n)
	}
}

func TestMemoryStoreListNewestFirstPerTenant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)

	_ = store.Notifications().Create(ctx, newTestNotification("old", "t1", base))
	_ = store.Notifications().Create(ctx, newTestNotification("new", "t1", base.Add(time.Minute)))
	_ = store.Notifications().Create(ctx, newTestNotification("other", "t2", base.Add(2*time.Minute)))

	list, total, err := store.Notifications().List(ctx, ListParams{TenantID: "t1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 2 || len(list) != 2 {
		t.Fatalf("List() total=%d len=%d, want 2", total, len(list))
	}
	if list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("List() order = [%s %s], want [new old]", list[0].ID, list[1].ID)
	}
}

func TestMemoryStoreAttemptsAndStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Notifications().Create(ctx, newTestNotification("n1", "t1", time.Now()))
	_ = store.Notifications().Create(ctx, newTestNotification("n2", "t2", time.Now()))

	attempts := []domain.DeliveryAttempt{
		{ID: "a1", NotificationID: "n1", Channel: domain.ChannelEmail, Status: domain.AttemptPending, AttemptCount: 1},
		{ID: "a2", NotificationID: "n1", Channel: domain.ChannelEmail, Status: domain.AttemptPending, AttemptCount: 2},
		{ID: "a3", NotificationID: "n2", Channel: domain.ChannelEmail, Status: domain.AttemptPending, AttemptCount: 1},
	}
	for i := range attempts {
		if err := store.Attempts().Create(ctx, &attempts[i]); err != nil {
			t.Fatalf("Create(%s) error = %v", attempts[i].ID, err)
		}
	}

	dup := domain.DeliveryAttempt{ID: "a4", NotificationID: "n1", AttemptCount: 2}
	if err := store.Attempts().Create(ctx, &dup); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate attempt count error = %v, want ErrConflict", err)
	}

	errMsg := "boom"
	if ok, _ := store.Attempts().Complete(ctx, "a1", domain.AttemptFailed, nil, &errMsg, time.Now()); !ok {
		t.Fatal("Complete(a1) should resolve pending attempt")
	}
	if ok, _ := store.Attempts().Complete(ctx, "a1", domain.AttemptSuccess, nil, nil, time.Now()); ok {
		t.Fatal("Complete(a1) twice should be a no-op")
	}

	stats, err := store.Attempts().StatsByTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("StatsByTenant() error = %v", err)
	}
	want := domain.DeliveryStats{Total: 2, Sent: 0, Failed: 1, Pending: 1}
	if stats != want {
		t.Fatalf("StatsByTenant() = %+v, want %+v", stats, want)
	}
	if stats.Total != stats.Sent+stats.Failed+stats.Pending {
		t.Fatalf("stats identity violated: %+v", stats)
	}

	ordered, _ := store.Attempts().GetByNotificationID(ctx, "n1")
	if len(ordered) != 2 || ordered[0].AttemptCount != 1 || ordered[1].AttemptCount != 2 {
		t.Fatalf("GetByNotificationID() = %+v, want ascending attempt counts", ordered)
	}
}

func TestMemoryStoreWithinTxRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Notifications().Create(ctx, newTestNotification("n1", "t1", time.Now()))

	wantErr := errors.New("abort")
	err := store.WithinTx(ctx, func(tx Store) error {
		if _, err := tx.Notifications().MarkFailed(ctx, "n1", "x", time.Now()); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithinTx() error = %v, want %v", err, wantErr)
	}

	n, _ := store.Notifications().GetByID(ctx, "n1")
	if n.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending after rollback", n.Status)
	}
}

func TestMemoryStorePreferences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Preferences().Get(ctx, "a@b.com", domain.ChannelEmail); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}

	store.SetPreference("A@B.com", domain.ChannelEmail, false)
	pref, err := store.Preferences().Get(ctx, "a@b.com", domain.ChannelEmail)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if pref.Enabled {
		t.Fatal("preference should be disabled")
	}
}

func TestMemoryStoreListStalePending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	old := time.Now().Add(-time.Hour)

	_ = store.Attempts().Create(ctx, &domain.DeliveryAttempt{ID: "stale", NotificationID: "n1", AttemptCount: 1, Status: domain.AttemptPending, CreatedAt: old})
	_ = store.Attempts().Create(ctx, &domain.DeliveryAttempt{ID: "fresh", NotificationID: "n2", AttemptCount: 1, Status: domain.AttemptPending})
	_ = store.Attempts().Create(ctx, &domain.DeliveryAttempt{ID: "done", NotificationID: "n3", AttemptCount: 1, Status: domain.AttemptSuccess, CreatedAt: old})

	stale, err := store.Attempts().ListStalePending(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStalePending() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "stale" {
		t.Fatalf("ListStalePending() = %+v, want only stale", stale)
	}
}

func TestMemoryStoreListStalled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	old := time.Now().Add(-time.Hour)
	cutoff := time.Now().Add(-5 * time.Minute)

	for _, id := range []string{"no-attempts", "in-flight", "failed-old", "failed-recent", "fresh"} {
		createdAt := old
		if id == "fresh" {
			createdAt = time.Now()
		}
		if err := store.Notifications().Create(ctx, newTestNotification(id, "t1", createdAt)); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}
	recent := time.Now().Add(-time.Minute)
	_ = store.Attempts().Create(ctx, &domain.DeliveryAttempt{ID: "a1", NotificationID: "in-flight", AttemptCount: 1, Status: domain.AttemptPending, CreatedAt: old})
	_ = store.Attempts().Create(ctx, &domain.DeliveryAttempt{ID: "a2", NotificationID: "failed-old", AttemptCount: 1, Status: domain.AttemptFailed, CreatedAt: old, LastAttemptAt: &old})
	_ = store.Attempts().Create(ctx, &domain.DeliveryAttempt{ID: "a3", NotificationID: "failed-recent", AttemptCount: 1, Status: domain.AttemptFailed, CreatedAt: old, LastAttemptAt: &recent})

	stalled, err := store.Notifications().ListStalled(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("ListStalled() error = %v", err)
	}
	got := map[string]bool{}
	for _, n := range stalled {
		got[n.ID] = true
	}
	if len(stalled) != 2 || !got["no-attempts"] || !got["failed-old"] {
		t.Fatalf("ListStalled() = %v, want no-attempts and failed-old", got)
	}

	limited, _ := store.Notifications().ListStalled(ctx, cutoff, 1)
	if len(limited) != 1 {
		t.Fatalf("ListStalled(limit 1) returned %d rows", len(limited))
	}
}

func TestMemoryStoreDiscardPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Attempts().Create(ctx, &domain.DeliveryAttempt{ID: "pending", NotificationID: "n1", AttemptCount: 1, Status: domain.AttemptPending})
	_ = store.Attempts().Create(ctx, &domain.DeliveryAttempt{ID: "done", NotificationID: "n1", AttemptCount: 2, Status: domain.AttemptSuccess})

	removed, err := store.Attempts().DiscardPending(ctx, "pending")
	if err != nil || !removed {
		t.Fatalf("DiscardPending(pending) = %v, %v, want true, nil", removed, err)
	}
	removed, _ = store.Attempts().DiscardPending(ctx, "done")
	if removed {
		t.Fatal("resolved attempt must not be discarded")
	}

	count, _ := store.Attempts().CountByNotificationID(ctx, "n1")
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
)

var _ Store = (*MemoryStore)(nil)

type memoryState struct {
	mu            sync.Mutex
	notifications map[string]domain.Notification
	attempts      map[string]domain.DeliveryAttempt
	preferences   map[string]domain.ChannelPreference
}

// MemoryStore is a process-local Store. It backs single-node deployments
// without DATABASE_DSN and the service tests.
type MemoryStore struct {
	state *memoryState
	inTx  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			notifications: make(map[string]domain.Notification),
			attempts:      make(map[string]domain.DeliveryAttempt),
			preferences:   make(map[string]domain.ChannelPreference),
		},
	}
}

func (s *MemoryStore) Notifications() NotificationRepository { return memoryNotifications{s} }

func (s *MemoryStore) Attempts() AttemptRepository { return memoryAttempts{s} }

func (s *MemoryStore) Preferences() PreferenceRepository { return memoryPreferences{s} }

// WithinTx holds the store lock for the whole unit of work and restores the
// previous state when fn fails.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	notifications := maps.Clone(s.state.notifications)
	attempts := maps.Clone(s.state.attempts)

	if err := fn(&MemoryStore{state: s.state, inTx: true}); err != nil {
		s.state.notifications = notifications
		s.state.attempts = attempts
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// SetPreference upserts a channel preference.
func (s *MemoryStore) SetPreference(recipient string, channel domain.Channel, enabled bool) {
	s.with(func(st *memoryState) {
		st.preferences[preferenceKey(recipient, channel)] = domain.ChannelPreference{
			Recipient: recipient,
			Channel:   channel,
			Enabled:   enabled,
			UpdatedAt: time.Now().UTC(),
		}
	})
}

func (s *MemoryStore) with(fn func(st *memoryState)) {
	if !s.inTx {
		s.state.mu.Lock()
		defer s.state.mu.Unlock()
	}
	fn(s.state)
}

func preferenceKey(recipient string, channel domain.Channel) string {
	return strings.ToLower(recipient) + "|" + channel.String()
}

type memoryNotifications struct{ s *MemoryStore }

func (r memoryNotifications) Create(_ context.Context, n *domain.Notification) error {
	var err error
	r.s.with(func(st *memoryState) {
		if _, exists := st.notifications[n.ID]; exists {
			err = domain.ErrConflict
			return
		}
		now := time.Now().UTC()
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		n.UpdatedAt = now
		st.notifications[n.ID] = *n
	})
	return err
}

func (r memoryNotifications) GetByID(_ context.Context, id string) (*domain.Notification, error) {
	var (
		n  domain.Notification
		ok bool
	)
	r.s.with(func(st *memoryState) {
		n, ok = st.notifications[id]
	})
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &n, nil
}

func (r memoryNotifications) List(_ context.Context, params ListParams) ([]domain.Notification, int64, error) {
	var matched []domain.Notification
	r.s.with(func(st *memoryState) {
		for _, n := range st.notifications {
			if n.TenantID != params.TenantID {
				continue
			}
			if params.Status != nil && n.Status != *params.Status {
				continue
			}
			if params.Channel != nil && n.Channel != *params.Channel {
				continue
			}
			matched = append(matched, n)
		}
	})

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	page, pageSize := normalizePage(params.Page, params.PageSize)
	start := min((page-1)*pageSize, len(matched))
	end := min(start+pageSize, len(matched))

	return slices.Clone(matched[start:end]), total, nil
}

func (r memoryNotifications) MarkSent(_ context.Context, id string, providerMessageID *string, sentAt time.Time) (bool, error) {
	var updated bool
	r.s.with(func(st *memoryState) {
		n, ok := st.notifications[id]
		if !ok || n.Status != domain.StatusPending {
			return
		}
		n.Status = domain.StatusSent
		n.SentAt = &sentAt
		n.ProviderMessageID = providerMessageID
		n.Error = nil
		n.UpdatedAt = sentAt
		st.notifications[id] = n
		updated = true
	})
	return updated, nil
}

func (r memoryNotifications) MarkFailed(_ context.Context, id string, reason string, at time.Time) (bool, error) {
	var updated bool
	r.s.with(func(st *memoryState) {
		n, ok := st.notifications[id]
		if !ok || n.Status != domain.StatusPending {
			return
		}
		n.Status = domain.StatusFailed
		n.Error = &reason
		n.SentAt = nil
		n.UpdatedAt = at
		st.notifications[id] = n
		updated = true
	})
	return updated, nil
}

func (r memoryNotifications) ListStalled(_ context.Context, before time.Time, limit int) ([]domain.Notification, error) {
	var stalled []domain.Notification
	r.s.with(func(st *memoryState) {
		active := make(map[string]bool)
		for _, a := range st.attempts {
			lastActivity := a.CreatedAt
			if a.LastAttemptAt != nil {
				lastActivity = *a.LastAttemptAt
			}
			if a.Status == domain.AttemptPending || !lastActivity.Before(before) {
				active[a.NotificationID] = true
			}
		}
		for _, n := range st.notifications {
			if n.Status == domain.StatusPending && n.CreatedAt.Before(before) && !active[n.ID] {
				stalled = append(stalled, n)
			}
		}
	})
	sort.Slice(stalled, func(i, j int) bool {
		return stalled[i].CreatedAt.Before(stalled[j].CreatedAt)
	})
	if limit > 0 && len(stalled) > limit {
		stalled = stalled[:limit]
	}
	return stalled, nil
}

type memoryAttempts struct{ s *MemoryStore }

func (r memoryAttempts) Create(_ context.Context, a *domain.DeliveryAttempt) error {
	var err error
	r.s.with(func(st *memoryState) {
		for _, existing := range st.attempts {
			if existing.NotificationID == a.NotificationID && existing.AttemptCount == a.AttemptCount {
				err = domain.ErrConflict
				return
			}
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		st.attempts[a.ID] = *a
	})
	return err
}

func (r memoryAttempts) Complete(
	_ context.Context,
	id string,
	status domain.AttemptStatus,
	providerMessageID *string,
	errMsg *string,
	at time.Time,
) (bool, error) {
	var updated bool
	r.s.with(func(st *memoryState) {
		a, ok := st.attempts[id]
		if !ok || a.Status != domain.AttemptPending {
			return
		}
		a.Status = status
		a.ProviderMessageID = providerMessageID
		a.Error = errMsg
		a.LastAttemptAt = &at
		st.attempts[id] = a
		updated = true
	})
	return updated, nil
}

func (r memoryAttempts) DiscardPending(_ context.Context, id string) (bool, error) {
	var removed bool
	r.s.with(func(st *memoryState) {
		a, ok := st.attempts[id]
		if !ok || a.Status != domain.AttemptPending {
			return
		}
		delete(st.attempts, id)
		removed = true
	})
	return removed, nil
}

func (r memoryAttempts) CountByNotificationID(_ context.Context, notificationID string) (int, error) {
	count := 0
	r.s.with(func(st *memoryState) {
		for _, a := range st.attempts {
			if a.NotificationID == notificationID {
				count++
			}
		}
	})
	return count, nil
}

func (r memoryAttempts) GetByNotificationID(_ context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	var attempts []domain.DeliveryAttempt
	r.s.with(func(st *memoryState) {
		for _, a := range st.attempts {
			if a.NotificationID == notificationID {
				attempts = append(attempts, a)
			}
		}
	})
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].AttemptCount < attempts[j].AttemptCount
	})
	return attempts, nil
}

func (r memoryAttempts) ListStalePending(_ context.Context, before time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	var stale []domain.DeliveryAttempt
	r.s.with(func(st *memoryState) {
		for _, a := range st.attempts {
			if a.Status == domain.AttemptPending && a.CreatedAt.Before(before) {
				stale = append(stale, a)
			}
		}
	})
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r memoryAttempts) StatsByTenant(_ context.Context, tenantID string) (domain.DeliveryStats, error) {
	counts := make(map[domain.AttemptStatus]int64)
	r.s.with(func(st *memoryState) {
		for _, a := range st.attempts {
			n, ok := st.notifications[a.NotificationID]
			if !ok || n.TenantID != tenantID {
				continue
			}
			counts[a.Status]++
		}
	})
	return statsFromCounts(counts), nil
}

type memoryPreferences struct{ s *MemoryStore }

func (r memoryPreferences) Get(_ context.Context, recipient string, channel domain.Channel) (*domain.ChannelPreference, error) {
	var (
		p  domain.ChannelPreference
		ok bool
	)
	r.s.with(func(st *memoryState) {
		p, ok = st.preferences[preferenceKey(recipient, channel)]
	})
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

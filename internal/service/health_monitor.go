package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opsdash/dispatch-engine/internal/cache"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/events"
	"github.com/opsdash/dispatch-engine/internal/observability"
	"github.com/opsdash/dispatch-engine/internal/provider"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	HealthCacheKey = "system:health"
	AlertsCacheKey = "system:alerts"
	healthCacheTTL = 10 * time.Second

	defaultHealthSchedule = "@every 10s"
	healthCheckTimeout    = 5 * time.Second

	slowProviderLatency = time.Second
	queueBacklogWarning = 1000
	resolvedAlertTTL    = 15 * time.Minute
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

type ChannelHealth struct {
	Channel     domain.Channel `json:"channel"`
	Status      HealthStatus   `json:"status"`
	Available   bool           `json:"available"`
	LatencyMs   int64          `json:"latencyMs"`
	QueueDepth  int64          `json:"queueDepth"`
	Message     string         `json:"message,omitempty"`
	LastChecked time.Time      `json:"lastChecked"`
}

type DependencyHealth struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

type SystemHealth struct {
	OverallStatus HealthStatus       `json:"overallStatus"`
	Channels      []ChannelHealth    `json:"channels"`
	Dependencies  []DependencyHealth `json:"dependencies"`
	LastUpdated   time.Time          `json:"lastUpdated"`
}

type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityWarning  AlertSeverity = "warning"
	SeverityInfo     AlertSeverity = "info"
)

type Alert struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Severity    AlertSeverity `json:"severity"`
	Status      string        `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	ResolvedAt  *time.Time    `json:"resolvedAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// StatusSource probes the providers of every channel.
type StatusSource interface {
	Statuses(ctx context.Context) map[domain.Channel]provider.Status
}

// DepthSource reports the number of waiting jobs per channel.
type DepthSource interface {
	Depths(ctx context.Context) map[domain.Channel]int64
}

// DependencyCheck pings one backing service.
type DependencyCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthMonitor refreshes the system health snapshot and the derived alert
// list on a cron schedule and keeps both in the cache.
type HealthMonitor struct {
	statuses      StatusSource
	depths        DepthSource
	dependencies  []DependencyCheck
	subscriptions []*events.Subscription
	cache         *cache.Cache
	metrics       *observability.Metrics
	logger        *zap.Logger
	schedule      string
	now           func() time.Time

	mu     sync.Mutex
	health SystemHealth
	alerts map[string]Alert
}

type HealthMonitorOptions struct {
	Statuses      StatusSource
	Depths        DepthSource
	Dependencies  []DependencyCheck
	Subscriptions []*events.Subscription
	Cache         *cache.Cache
	Metrics       *observability.Metrics
	Logger        *zap.Logger
	Schedule      string
}

func NewHealthMonitor(opts HealthMonitorOptions) (*HealthMonitor, error) {
	if opts.Statuses == nil {
		return nil, fmt.Errorf("status source is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = defaultHealthSchedule
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid health check schedule %q: %w", opts.Schedule, err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &HealthMonitor{
		statuses:      opts.Statuses,
		depths:        opts.Depths,
		dependencies:  opts.Dependencies,
		subscriptions: opts.Subscriptions,
		cache:         opts.Cache,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		schedule:      opts.Schedule,
		now:           time.Now,
		alerts:        make(map[string]Alert),
	}, nil
}

// Start runs an initial check and then follows the schedule until ctx is canceled.
func (m *HealthMonitor) Start(ctx context.Context) error {
	m.Refresh(ctx)

	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	if _, err := c.AddFunc(m.schedule, func() { m.Refresh(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule health checks: %w", err)
	}
	c.Start()
	m.logger.Info("health monitor started", zap.String("schedule", m.schedule))

	<-ctx.Done()
	<-c.Stop().Done()
	m.logger.Info("health monitor stopped")
	return nil
}

// Refresh probes providers, queues and dependencies and rebuilds the snapshot.
func (m *HealthMonitor) Refresh(ctx context.Context) SystemHealth {
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	now := m.now().UTC()
	statuses := m.statuses.Statuses(checkCtx)
	var depths map[domain.Channel]int64
	if m.depths != nil {
		depths = m.depths.Depths(checkCtx)
	}

	health := SystemHealth{LastUpdated: now}
	for _, channel := range domain.Channels {
		status, ok := statuses[channel]
		if !ok {
			continue
		}
		ch := ChannelHealth{
			Channel:     channel,
			Status:      HealthHealthy,
			Available:   status.Available,
			LatencyMs:   status.LatencyMs,
			QueueDepth:  depths[channel],
			LastChecked: now,
		}
		switch {
		case !status.Available:
			ch.Status = HealthFailed
			ch.Message = "provider unavailable"
		case time.Duration(status.LatencyMs)*time.Millisecond > slowProviderLatency:
			ch.Status = HealthDegraded
			ch.Message = "provider response time exceeded threshold"
		case ch.QueueDepth > queueBacklogWarning:
			ch.Status = HealthDegraded
			ch.Message = "queue backlog exceeded threshold"
		}
		health.Channels = append(health.Channels, ch)

		m.metrics.SetProviderStatus(channel.String(), status.Available, time.Duration(status.LatencyMs)*time.Millisecond)
		if _, ok := depths[channel]; ok {
			m.metrics.SetQueueDepth(channel.String(), depths[channel])
		}
	}

	for _, dep := range m.dependencies {
		d := DependencyHealth{Name: dep.Name, Status: HealthHealthy}
		if err := dep.Ping(checkCtx); err != nil {
			d.Status = HealthFailed
			d.Message = err.Error()
		}
		health.Dependencies = append(health.Dependencies, d)
	}

	var dropped []droppedEvents
	for _, sub := range m.subscriptions {
		n := sub.Dropped()
		m.metrics.SetEventsDropped(sub.Name(), n)
		if n > 0 {
			dropped = append(dropped, droppedEvents{subscriber: sub.Name(), count: n})
		}
	}

	health.OverallStatus = overallStatus(health)

	m.mu.Lock()
	m.health = health
	alerts := m.updateAlerts(health, dropped, now)
	m.mu.Unlock()

	if err := cache.SetJSON(ctx, m.cache, HealthCacheKey, health, healthCacheTTL); err != nil {
		m.logger.Warn("failed to cache health snapshot", zap.Error(err))
	}
	if err := cache.SetJSON(ctx, m.cache, AlertsCacheKey, alerts, healthCacheTTL); err != nil {
		m.logger.Warn("failed to cache alerts", zap.Error(err))
	}

	if health.OverallStatus != HealthHealthy {
		m.logger.Warn("system health degraded", zap.String("status", string(health.OverallStatus)))
	}
	return health
}

// Health returns the cached snapshot, refreshing it when the cache expired.
func (m *HealthMonitor) Health(ctx context.Context) SystemHealth {
	if health, ok := cache.GetJSON[SystemHealth](ctx, m.cache, HealthCacheKey); ok {
		return health
	}

	m.mu.Lock()
	last := m.health
	m.mu.Unlock()
	if !last.LastUpdated.IsZero() && m.now().Sub(last.LastUpdated) < healthCacheTTL {
		return last
	}
	return m.Refresh(ctx)
}

// Alerts returns the cached alert list, refreshing it when the cache expired.
func (m *HealthMonitor) Alerts(ctx context.Context) []Alert {
	if alerts, ok := cache.GetJSON[[]Alert](ctx, m.cache, AlertsCacheKey); ok {
		return alerts
	}
	m.Refresh(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedAlerts()
}

type droppedEvents struct {
	subscriber string
	count      int64
}

// updateAlerts derives the active alert set from health. Alerts that stop
// firing are kept as resolved for a while. Callers hold m.mu.
func (m *HealthMonitor) updateAlerts(health SystemHealth, dropped []droppedEvents, now time.Time) []Alert {
	firing := make(map[string]Alert)
	raise := func(id, title, description string, severity AlertSeverity) {
		firing[id] = Alert{ID: id, Title: title, Description: description, Severity: severity}
	}

	for _, ch := range health.Channels {
		switch {
		case !ch.Available:
			raise("provider-unavailable:"+ch.Channel.String(),
				fmt.Sprintf("%s provider unavailable", ch.Channel),
				fmt.Sprintf("The %s provider failed its availability check; deliveries are being retried.", ch.Channel),
				SeverityCritical)
		case time.Duration(ch.LatencyMs)*time.Millisecond > slowProviderLatency:
			raise("provider-latency:"+ch.Channel.String(),
				fmt.Sprintf("%s provider latency", ch.Channel),
				fmt.Sprintf("The %s provider responded in %dms, above the %dms threshold.", ch.Channel, ch.LatencyMs, slowProviderLatency.Milliseconds()),
				SeverityWarning)
		}
		if ch.QueueDepth > queueBacklogWarning {
			raise("queue-backlog:"+ch.Channel.String(),
				fmt.Sprintf("%s queue backlog", ch.Channel),
				fmt.Sprintf("%d jobs are waiting in the %s queue.", ch.QueueDepth, ch.Channel),
				SeverityWarning)
		}
	}
	for _, dep := range health.Dependencies {
		if dep.Status == HealthFailed {
			raise("dependency-down:"+dep.Name,
				fmt.Sprintf("%s unreachable", dep.Name),
				fmt.Sprintf("Health check against %s failed: %s", dep.Name, dep.Message),
				SeverityCritical)
		}
	}
	for _, d := range dropped {
		raise("events-dropped:"+d.subscriber,
			fmt.Sprintf("%s is dropping events", d.subscriber),
			fmt.Sprintf("%d outcome events were dropped because the %s subscriber fell behind.", d.count, d.subscriber),
			SeverityInfo)
	}

	for id, alert := range firing {
		if existing, ok := m.alerts[id]; ok && existing.Status == "active" {
			alert.CreatedAt = existing.CreatedAt
		} else {
			alert.CreatedAt = now
		}
		alert.Status = "active"
		alert.UpdatedAt = now
		m.alerts[id] = alert
	}

	for id, alert := range m.alerts {
		if _, ok := firing[id]; ok {
			continue
		}
		if alert.Status == "active" {
			resolvedAt := now
			alert.Status = "resolved"
			alert.ResolvedAt = &resolvedAt
			alert.UpdatedAt = now
			m.alerts[id] = alert
			continue
		}
		if alert.ResolvedAt != nil && now.Sub(*alert.ResolvedAt) > resolvedAlertTTL {
			delete(m.alerts, id)
		}
	}

	return m.sortedAlerts()
}

func (m *HealthMonitor) sortedAlerts() []Alert {
	out := make([]Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == "active"
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func overallStatus(health SystemHealth) HealthStatus {
	total, failed, degraded := 0, 0, 0
	for _, ch := range health.Channels {
		total++
		switch ch.Status {
		case HealthFailed:
			failed++
		case HealthDegraded:
			degraded++
		}
	}
	for _, dep := range health.Dependencies {
		total++
		if dep.Status == HealthFailed {
			failed++
		}
	}

	switch {
	case total > 0 && failed == total:
		return HealthFailed
	case failed > 0 || degraded > 0:
		return HealthDegraded
	}
	return HealthHealthy
}

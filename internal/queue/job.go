package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
)

// Job is the queued payload for one notification delivery.
type Job struct {
	ID             string          `json:"id"`
	NotificationID string          `json:"notificationId"`
	TenantID       string          `json:"tenantId"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Title          string          `json:"title"`
	Content        string          `json:"content"`
	Channel        domain.Channel  `json:"channel"`
	Recipient      string          `json:"recipient"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`

	// Priority is the scheduling level; lower values are serviced first.
	Priority int `json:"priority"`
	// Attempts counts handler invocations so far.
	Attempts int       `json:"attempts"`
	Seq      int64     `json:"seq"`
	ReadyAt  time.Time `json:"readyAt"`
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if !j.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", j.Channel)
	}
	if j.Priority < 1 {
		return fmt.Errorf("invalid priority level %d", j.Priority)
	}
	return nil
}

// JobFromNotification builds the delivery job for a persisted notification.
func JobFromNotification(n *domain.Notification) Job {
	return Job{
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		Title:          n.Title,
		Content:        n.Content,
		Channel:        n.Channel,
		Recipient:      n.Recipient,
		Metadata:       json.RawMessage(n.Metadata),
		Priority:       n.Priority.Level(),
	}
}

// EnqueueOptions control when and in which order a job becomes eligible.
type EnqueueOptions struct {
	Delay    time.Duration
	Priority int
}

// rank orders eligible jobs by priority level first and enqueue sequence second.
func (j Job) rank() float64 {
	return float64(j.Priority)*1e12 + float64(j.Seq)
}

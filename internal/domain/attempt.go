package domain

import "time"

// MaxAttempts is the retry ceiling for a single notification.
const MaxAttempts = 3

// AttemptStatus is the outcome of a single delivery attempt.
type AttemptStatus string

const (
	AttemptPending AttemptStatus = "pending"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

func (s AttemptStatus) String() string { return string(s) }

// DeliveryAttempt records one try of a notification against its channel.
type DeliveryAttempt struct {
	ID                string
	NotificationID    string
	Channel           Channel
	Status            AttemptStatus
	AttemptCount      int
	LastAttemptAt     *time.Time
	Error             *string
	ProviderMessageID *string
	CreatedAt         time.Time
}

// DeliveryStats aggregates delivery attempts of a tenant.
type DeliveryStats struct {
	Total   int64 `json:"total"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Pending int64 `json:"pending"`
}

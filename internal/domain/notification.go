package domain

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further delivery attempts are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
	ChannelChat    Channel = "chat"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelWebhook, ChannelChat}

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelWebhook, ChannelChat:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Priority is the scheduling class of a notification.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// DefaultPriority applies when a request omits the priority.
const DefaultPriority = PriorityLow

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Delay is the enqueue delay applied to the priority class.
func (p Priority) Delay() time.Duration {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

// Level is the queue priority level; lower values are serviced first.
func (p Priority) Level() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

func ParsePriorityFromString(s string) (Priority, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return DefaultPriority, nil
	}
	pr := Priority(strings.ToLower(trimmed))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// Content limits per channel (in characters). Zero means unbounded.
const (
	MaxSMSContent  = 1600
	MaxPushContent = 4000
	MaxTitleLength = 255
)

// Notification is one send intent with a single terminal outcome.
type Notification struct {
	ID                string
	TenantID          string
	Title             string
	Content           string
	Channel           Channel
	Status            Status
	Priority          Priority
	Recipient         string
	Metadata          datatypes.JSON
	TemplateID        *string
	ProviderMessageID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SentAt            *time.Time
	Error             *string
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	}
	if n.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if len([]rune(n.Title)) > MaxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrValidation, MaxTitleLength)
	}
	if n.Content == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if n.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if !n.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, n.Channel)
	}
	if !n.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, n.Priority)
	}

	contentLen := len([]rune(n.Content))
	switch n.Channel {
	case ChannelSMS:
		if contentLen > MaxSMSContent {
			return fmt.Errorf("%w: SMS content exceeds %d characters (got %d)", ErrValidation, MaxSMSContent, contentLen)
		}
	case ChannelPush:
		if contentLen > MaxPushContent {
			return fmt.Errorf("%w: push content exceeds %d characters (got %d)", ErrValidation, MaxPushContent, contentLen)
		}
	}

	return nil
}

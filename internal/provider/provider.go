package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
)

// Provider is the outbound delivery port for one channel.
type Provider interface {
	Channel() domain.Channel
	// Send delivers message. A nil error always comes with a non-empty
	// Response.MessageID.
	Send(ctx context.Context, message Message) (*Response, error)
	ValidateConfig() bool
	Status(ctx context.Context) Status
}

// Message is the channel-neutral content handed to a provider.
type Message struct {
	// NotificationID doubles as the idempotency key for the vendor.
	NotificationID string
	To             string
	Subject        string
	Content        string
	Metadata       json.RawMessage
}

// Response stores provider call metadata for audit and persistence.
type Response struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Status is a point-in-time availability probe.
type Status struct {
	Available bool  `json:"available"`
	LatencyMs int64 `json:"latencyMs"`
}

// Config carries the vendor options of one channel.
type Config struct {
	APIKey    string
	APISecret string
	Region    string
	Endpoint  string
}

func (c Config) has(values ...string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// Envelope is what a provider hands to its Transport.
type Envelope struct {
	Channel        domain.Channel
	IdempotencyKey string
	Body           any
}

// Transport performs the actual vendor call.
type Transport interface {
	Deliver(ctx context.Context, envelope Envelope) (*Response, error)
}

// Pinger is implemented by transports that can probe their vendor.
type Pinger interface {
	Ping(ctx context.Context) error
}

// base holds the behavior shared by every channel provider.
type base struct {
	channel   domain.Channel
	config    Config
	transport Transport
	valid     bool
	now       func() time.Time
}

func newBase(channel domain.Channel, cfg Config, transport Transport, validate func(Config) bool) base {
	return base{
		channel:   channel,
		config:    cfg,
		transport: transport,
		valid:     validate(cfg),
		now:       time.Now,
	}
}

func (b *base) Channel() domain.Channel { return b.channel }

func (b *base) ValidateConfig() bool { return b.valid }

func (b *base) Status(ctx context.Context) Status {
	start := b.now()
	if !b.valid || b.transport == nil {
		return Status{Available: false, LatencyMs: -1}
	}

	if pinger, ok := b.transport.(Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			return Status{Available: false, LatencyMs: -1}
		}
	}

	return Status{Available: true, LatencyMs: b.now().Sub(start).Milliseconds()}
}

func (b *base) deliver(ctx context.Context, message Message, body any) (*Response, error) {
	if !b.valid {
		return nil, &ProviderError{
			Message:   b.channel.String() + " provider is not configured",
			Transient: false,
		}
	}
	if b.transport == nil {
		return nil, &ProviderError{Message: "provider transport is not initialized", Transient: false}
	}

	resp, err := b.transport.Deliver(ctx, Envelope{
		Channel:        b.channel,
		IdempotencyKey: message.NotificationID,
		Body:           body,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || strings.TrimSpace(resp.MessageID) == "" {
		return nil, &ProviderError{Message: "provider response has no message id", Transient: true}
	}
	return resp, nil
}

func metadataMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
)

type webhookPayload struct {
	NotificationID string         `json:"notificationId"`
	To             string         `json:"to"`
	Subject        string         `json:"subject"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      string         `json:"timestamp"`
}

// WebhookProvider posts notifications to the configured endpoint.
type WebhookProvider struct {
	base
}

var _ Provider = (*WebhookProvider)(nil)

// NewWebhookProvider uses an HTTP transport against cfg.Endpoint. An empty
// endpoint yields a provider that reports itself unconfigured.
func NewWebhookProvider(cfg Config) (*WebhookProvider, error) {
	var transport Transport
	if cfg.has(cfg.Endpoint) {
		t, err := NewHTTPTransport(cfg.Endpoint, cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("webhook transport: %w", err)
		}
		transport = t
	}
	return NewWebhookProviderWithTransport(cfg, transport), nil
}

func NewWebhookProviderWithTransport(cfg Config, transport Transport) *WebhookProvider {
	return &WebhookProvider{
		base: newBase(domain.ChannelWebhook, cfg, transport, func(c Config) bool {
			return c.has(c.Endpoint)
		}),
	}
}

func (p *WebhookProvider) Send(ctx context.Context, message Message) (*Response, error) {
	return p.deliver(ctx, message, webhookPayload{
		NotificationID: message.NotificationID,
		To:             message.To,
		Subject:        message.Subject,
		Content:        message.Content,
		Metadata:       metadataMap(message.Metadata),
		Timestamp:      p.now().UTC().Format(time.RFC3339Nano),
	})
}

package provider

import (
	"context"
	"fmt"

	"github.com/opsdash/dispatch-engine/internal/domain"
)

type emailPayload struct {
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Content  string         `json:"content"`
	Region   string         `json:"region"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EmailProvider requires an API key and secret.
type EmailProvider struct {
	base
}

func NewEmailProvider(cfg Config, transport Transport) *EmailProvider {
	return &EmailProvider{
		base: newBase(domain.ChannelEmail, cfg, transport, func(c Config) bool {
			return c.has(c.APIKey, c.APISecret)
		}),
	}
}

func (p *EmailProvider) Send(ctx context.Context, message Message) (*Response, error) {
	return p.deliver(ctx, message, emailPayload{
		To:       message.To,
		Subject:  message.Subject,
		Content:  message.Content,
		Region:   p.config.Region,
		Metadata: metadataMap(message.Metadata),
	})
}

type smsPayload struct {
	To       string         `json:"to"`
	Content  string         `json:"content"`
	Region   string         `json:"region"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SMSProvider requires an API key and secret.
type SMSProvider struct {
	base
}

func NewSMSProvider(cfg Config, transport Transport) *SMSProvider {
	return &SMSProvider{
		base: newBase(domain.ChannelSMS, cfg, transport, func(c Config) bool {
			return c.has(c.APIKey, c.APISecret)
		}),
	}
}

func (p *SMSProvider) Send(ctx context.Context, message Message) (*Response, error) {
	return p.deliver(ctx, message, smsPayload{
		To:       message.To,
		Content:  message.Content,
		Region:   p.config.Region,
		Metadata: metadataMap(message.Metadata),
	})
}

type pushPayload struct {
	To       string         `json:"to"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PushProvider requires an API key and endpoint.
type PushProvider struct {
	base
}

func NewPushProvider(cfg Config, transport Transport) *PushProvider {
	return &PushProvider{
		base: newBase(domain.ChannelPush, cfg, transport, func(c Config) bool {
			return c.has(c.APIKey, c.Endpoint)
		}),
	}
}

func (p *PushProvider) Send(ctx context.Context, message Message) (*Response, error) {
	return p.deliver(ctx, message, pushPayload{
		To:       message.To,
		Title:    message.Subject,
		Body:     message.Content,
		Metadata: metadataMap(message.Metadata),
	})
}

type chatText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatBlock struct {
	Type string    `json:"type"`
	Text *chatText `json:"text,omitempty"`
}

type chatPayload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Blocks  []any  `json:"blocks"`
}

// ChatProvider posts block messages to a team chat workspace. It requires an
// API key or an incoming-webhook endpoint.
type ChatProvider struct {
	base
}

// NewChatProvider posts over HTTP when an endpoint is configured and falls
// back to fallback otherwise.
func NewChatProvider(cfg Config, fallback Transport) (*ChatProvider, error) {
	transport := fallback
	if cfg.has(cfg.Endpoint) {
		t, err := NewHTTPTransport(cfg.Endpoint, cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("chat transport: %w", err)
		}
		transport = t
	}
	return NewChatProviderWithTransport(cfg, transport), nil
}

func NewChatProviderWithTransport(cfg Config, transport Transport) *ChatProvider {
	return &ChatProvider{
		base: newBase(domain.ChannelChat, cfg, transport, func(c Config) bool {
			return c.has(c.APIKey) || c.has(c.Endpoint)
		}),
	}
}

func (p *ChatProvider) Send(ctx context.Context, message Message) (*Response, error) {
	return p.deliver(ctx, message, chatPayload{
		Channel: message.To,
		Text:    message.Content,
		Blocks:  chatBlocks(message),
	})
}

// chatBlocks renders a header and a section, then appends any caller
// supplied blocks from metadata.blocks.
func chatBlocks(message Message) []any {
	blocks := []any{
		chatBlock{Type: "header", Text: &chatText{Type: "plain_text", Text: message.Subject}},
		chatBlock{Type: "section", Text: &chatText{Type: "mrkdwn", Text: message.Content}},
	}

	if extra, ok := metadataMap(message.Metadata)["blocks"].([]any); ok {
		blocks = append(blocks, extra...)
	}
	return blocks
}

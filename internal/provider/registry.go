package provider

import (
	"context"
	"fmt"

	"github.com/opsdash/dispatch-engine/internal/domain"
)

// Registry selects the provider for a channel.
type Registry struct {
	providers map[domain.Channel]Provider
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[domain.Channel]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("provider is nil")
		}
		channel := p.Channel()
		if _, exists := r.providers[channel]; exists {
			return nil, fmt.Errorf("duplicate provider for channel %q", channel)
		}
		r.providers[channel] = p
	}
	return r, nil
}

func (r *Registry) Get(channel domain.Channel) (Provider, error) {
	p, ok := r.providers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for channel %q", domain.ErrNotFound, channel)
	}
	return p, nil
}

// Statuses probes every registered provider.
func (r *Registry) Statuses(ctx context.Context) map[domain.Channel]Status {
	out := make(map[domain.Channel]Status, len(r.providers))
	for channel, p := range r.providers {
		out[channel] = p.Status(ctx)
	}
	return out
}

// ConfigFunc returns the vendor options for a channel.
type ConfigFunc func(channel domain.Channel) Config

// NewDefaultRegistry builds one provider per channel. Email, SMS and push use
// sim; webhook uses HTTP; chat uses HTTP when an endpoint is configured.
func NewDefaultRegistry(configFor ConfigFunc, sim Transport) (*Registry, error) {
	webhook, err := NewWebhookProvider(configFor(domain.ChannelWebhook))
	if err != nil {
		return nil, err
	}
	chat, err := NewChatProvider(configFor(domain.ChannelChat), sim)
	if err != nil {
		return nil, err
	}

	return NewRegistry(
		NewEmailProvider(configFor(domain.ChannelEmail), sim),
		NewSMSProvider(configFor(domain.ChannelSMS), sim),
		NewPushProvider(configFor(domain.ChannelPush), sim),
		webhook,
		chat,
	)
}

package provider

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
)

// DefaultFailureRates are the simulated vendor failure probabilities.
var DefaultFailureRates = map[domain.Channel]float64{
	domain.ChannelEmail:   0.10,
	domain.ChannelSMS:     0.05,
	domain.ChannelPush:    0.02,
	domain.ChannelWebhook: 0.05,
	domain.ChannelChat:    0.03,
}

// DefaultMaxLatency bounds the simulated processing delay per channel.
var DefaultMaxLatency = map[domain.Channel]time.Duration{
	domain.ChannelEmail:   time.Second,
	domain.ChannelSMS:     500 * time.Millisecond,
	domain.ChannelPush:    300 * time.Millisecond,
	domain.ChannelWebhook: 800 * time.Millisecond,
	domain.ChannelChat:    400 * time.Millisecond,
}

// Simulator is a Transport that stands in for a vendor.
type Simulator struct {
	// Fail decides whether a send with the given failure rate fails.
	Fail func(rate float64) bool
	// Latency returns the simulated processing delay for a channel.
	Latency func(channel domain.Channel) time.Duration
	Rates   map[domain.Channel]float64
	Now     func() time.Time
}

var _ Transport = (*Simulator)(nil)

// NewSimulator returns a simulator with the default rates and random latency.
func NewSimulator() *Simulator {
	return &Simulator{
		Fail:  func(rate float64) bool { return rand.Float64() < rate },
		Rates: DefaultFailureRates,
		Latency: func(channel domain.Channel) time.Duration {
			maxLatency := DefaultMaxLatency[channel]
			if maxLatency <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(maxLatency)))
		},
		Now: time.Now,
	}
}

func (s *Simulator) Deliver(ctx context.Context, envelope Envelope) (*Response, error) {
	if s.Latency != nil {
		if d := s.Latency(envelope.Channel); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &ProviderError{Message: "simulated send interrupted", Transient: true, Cause: ctx.Err()}
			case <-timer.C:
			}
		}
	}

	if s.Fail != nil && s.Fail(s.Rates[envelope.Channel]) {
		return nil, &ProviderError{
			Message:   fmt.Sprintf("simulated %s sending failure", envelope.Channel),
			Transient: true,
		}
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return &Response{
		StatusCode: 200,
		MessageID:  fmt.Sprintf("%s_%d_%s", envelope.Channel, now().UnixMilli(), randomSuffix()),
	}, nil
}

const suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomSuffix() string {
	b := make([]byte, 9)
	for i := range b {
		b[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(b)
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/repository"
)

// PreferenceGate checks a recipient's channel opt-in before each attempt.
type PreferenceGate struct {
	preferences repository.PreferenceRepository
}

func NewPreferenceGate(preferences repository.PreferenceRepository) *PreferenceGate {
	return &PreferenceGate{preferences: preferences}
}

// Allow returns domain.ErrPreferenceBlocked when the recipient disabled the
// channel. A recipient without a stored preference is allowed.
func (g *PreferenceGate) Allow(ctx context.Context, recipient string, channel domain.Channel) error {
	if g == nil || g.preferences == nil {
		return nil
	}

	pref, err := g.preferences.Get(ctx, recipient, channel)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load channel preference: %w", err)
	}
	if !pref.Enabled {
		return domain.ErrPreferenceBlocked
	}
	return nil
}

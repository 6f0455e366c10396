package domain

import "time"

// ChannelPreference is a recipient's opt-in flag for one channel. The engine
// only reads it; account settings own the writes.
type ChannelPreference struct {
	Recipient string
	Channel   Channel
	Enabled   bool
	UpdatedAt time.Time
}

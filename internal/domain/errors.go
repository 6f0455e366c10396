package domain

import "errors"

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limit exceeded")

	// ErrPreferenceBlocked is terminal: the recipient disabled the channel.
	ErrPreferenceBlocked = errors.New("recipient has disabled this channel")
	// ErrDeliveryExhausted is terminal: the retry ceiling was reached.
	ErrDeliveryExhausted = errors.New("delivery attempts exhausted")
)

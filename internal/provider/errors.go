package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/opsdash/dispatch-engine/internal/domain"
)

// ProviderError is a failed vendor call. Transient failures are retried by
// the queue; anything else ends the notification.
type ProviderError struct {
	Channel    domain.Channel
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString("provider error")
	if e.Channel != "" {
		fmt.Fprintf(&b, " [%s]", e.Channel)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": " + msg)
	}
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// statusError classifies a non-2xx vendor answer. Throttling, timeouts and
// 5xx are worth another try.
func statusError(channel domain.Channel, statusCode int, body string) *ProviderError {
	msg := fmt.Sprintf("provider returned status %d", statusCode)
	if body != "" {
		msg += ": " + body
	}
	return &ProviderError{
		Channel:    channel,
		StatusCode: statusCode,
		Message:    msg,
		Transient: statusCode == http.StatusTooManyRequests ||
			statusCode == http.StatusRequestTimeout ||
			statusCode >= http.StatusInternalServerError,
	}
}

// IsTransient reports whether err is worth retrying. Errors that carry no
// classification count as transient, except a canceled context.
func IsTransient(err error) bool {
	var providerErr *ProviderError
	switch {
	case err == nil:
		return false
	case errors.As(err, &providerErr):
		return providerErr.Transient
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

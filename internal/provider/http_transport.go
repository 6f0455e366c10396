package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPTransport posts the envelope body as JSON to a vendor endpoint.
type HTTPTransport struct {
	client   *resty.Client
	endpoint string
	apiKey   string
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(endpoint, apiKey string) (*HTTPTransport, error) {
	client := resty.New()
	client.SetTimeout(defaultHTTPTimeout)
	client.SetRetryCount(0)

	return NewHTTPTransportWithClient(endpoint, apiKey, client)
}

func NewHTTPTransportWithClient(endpoint, apiKey string, client *resty.Client) (*HTTPTransport, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultHTTPTimeout)
	}
	// Retries belong to the channel queue.
	client.SetRetryCount(0)

	return &HTTPTransport{
		client:   client,
		endpoint: trimmedEndpoint,
		apiKey:   strings.TrimSpace(apiKey),
	}, nil
}

func (t *HTTPTransport) Deliver(ctx context.Context, envelope Envelope) (*Response, error) {
	if t == nil || t.client == nil {
		return nil, fmt.Errorf("transport is not initialized")
	}

	req := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(envelope.Body)
	if envelope.IdempotencyKey != "" {
		req.SetHeader("Idempotency-Key", envelope.IdempotencyKey)
	}
	if t.apiKey != "" {
		req.SetAuthToken(t.apiKey)
	}

	response, err := req.Post(t.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Channel:   envelope.Channel,
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		messageID := providerMessageID(response)
		if messageID == "" {
			// Vendors without a request id header still dedupe on our key.
			messageID = fmt.Sprintf("%s_%s", envelope.Channel, envelope.IdempotencyKey)
		}
		return &Response{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  messageID,
		}, nil
	}

	return nil, statusError(envelope.Channel, statusCode, responseBody)
}

// Ping checks that the endpoint answers at all; any HTTP status counts.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	_, err := t.client.R().SetContext(ctx).Head(t.endpoint)
	return err
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}

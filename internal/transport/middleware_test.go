package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/observability"
	"github.com/opsdash/dispatch-engine/internal/ratelimit"
	"go.uber.org/zap"
)

type stubLimiter struct {
	allowFn func(ctx context.Context, key string) (bool, error)
}

func (s stubLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return s.allowFn(ctx, key)
}

func (s stubLimiter) Wait(context.Context, string) error { return nil }

func newTestApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.NewNop())})
	handlers = append(handlers, func(c *fiber.Ctx) error {
		id, _ := observability.CorrelationIDFromContext(c.UserContext())
		return c.JSON(fiber.Map{"tenant": TenantFrom(c), "correlationId": id})
	})
	app.Get("/", handlers...)
	return app
}

func doRequest(t *testing.T, app *fiber.App, header map[string]string) (*http.Response, map[string]string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := map[string]string{}
	_ = json.Unmarshal(raw, &body)
	return resp, body
}

func TestRequestIDPropagatesHeader(t *testing.T) {
	t.Parallel()

	app := newTestApp(RequestID())

	resp, body := doRequest(t, app, map[string]string{fiber.HeaderXRequestID: "req-42"})
	if resp.Header.Get(fiber.HeaderXRequestID) != "req-42" || body["correlationId"] != "req-42" {
		t.Fatalf("header = %q body = %v, want req-42", resp.Header.Get(fiber.HeaderXRequestID), body)
	}

	resp, body = doRequest(t, app, nil)
	generated := resp.Header.Get(fiber.HeaderXRequestID)
	if generated == "" || body["correlationId"] != generated {
		t.Fatalf("generated id %q not propagated, body = %v", generated, body)
	}
}

func TestTenantRequiresHeader(t *testing.T) {
	t.Parallel()

	app := newTestApp(Tenant())

	resp, _ := doRequest(t, app, nil)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	resp, body := doRequest(t, app, map[string]string{HeaderTenantID: " acme "})
	if resp.StatusCode != fiber.StatusOK || body["tenant"] != "acme" {
		t.Fatalf("status = %d body = %v, want tenant acme", resp.StatusCode, body)
	}
}

func TestTenantRateLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		limiter    ratelimit.RateLimiter
		wantStatus int
	}{
		{
			name:       "allowed",
			limiter:    stubLimiter{allowFn: func(context.Context, string) (bool, error) { return true, nil }},
			wantStatus: fiber.StatusOK,
		},
		{
			name:       "over budget",
			limiter:    stubLimiter{allowFn: func(context.Context, string) (bool, error) { return false, nil }},
			wantStatus: fiber.StatusTooManyRequests,
		},
		{
			name:       "limiter down fails open",
			limiter:    stubLimiter{allowFn: func(context.Context, string) (bool, error) { return false, errors.New("redis down") }},
			wantStatus: fiber.StatusOK,
		},
		{
			name:       "no limiter",
			wantStatus: fiber.StatusOK,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := newTestApp(Tenant(), TenantRateLimit(tt.limiter, zap.NewNop()))
			resp, _ := doRequest(t, app, map[string]string{HeaderTenantID: "acme"})
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == fiber.StatusTooManyRequests && resp.Header.Get(fiber.HeaderRetryAfter) != "1" {
				t.Fatalf("Retry-After = %q, want 1", resp.Header.Get(fiber.HeaderRetryAfter))
			}
		})
	}
}

func TestTenantRateLimitWithLocalLimiter(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewLocalLimiter(nil, ratelimit.PerSecond(2))
	app := newTestApp(Tenant(), TenantRateLimit(limiter, zap.NewNop()))

	statuses := make([]int, 0, 3)
	for range 3 {
		resp, _ := doRequest(t, app, map[string]string{HeaderTenantID: "acme"})
		statuses = append(statuses, resp.StatusCode)
	}
	if statuses[0] != fiber.StatusOK || statuses[1] != fiber.StatusOK || statuses[2] != fiber.StatusTooManyRequests {
		t.Fatalf("statuses = %v, want [200 200 429]", statuses)
	}

	resp, _ := doRequest(t, app, map[string]string{HeaderTenantID: "globex"})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("other tenant status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: fiber.NewError(fiber.StatusTeapot, "teapot"), want: fiber.StatusTeapot},
		{err: fmt.Errorf("%w: title is required", domain.ErrValidation), want: fiber.StatusBadRequest},
		{err: domain.ErrUnauthorized, want: fiber.StatusUnauthorized},
		{err: fmt.Errorf("%w: notification", domain.ErrNotFound), want: fiber.StatusNotFound},
		{err: domain.ErrConflict, want: fiber.StatusConflict},
		{err: domain.ErrRateLimited, want: fiber.StatusTooManyRequests},
		{err: errors.New("boom"), want: fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Fatalf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorHandlerHidesInternalErrors(t *testing.T) {
	t.Parallel()

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(nil)})
	app.Get("/", func(*fiber.Ctx) error { return errors.New("dial tcp 10.0.0.1: refused") })

	resp, body := doRequest(t, app, nil)
	if resp.StatusCode != fiber.StatusInternalServerError || body["error"] != "internal server error" {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
}

package transport

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/observability"
	"github.com/opsdash/dispatch-engine/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	HeaderTenantID = "X-Tenant-ID"

	localsRequestID = "requestid"
	localsTenantID  = "tenantId"
)

// RequestID propagates X-Request-ID, generating one when absent, and stores it
// as the correlation id of the request context.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Header values alias fiber's request buffer; ids outlive the request.
		id := utils.CopyString(strings.TrimSpace(c.Get(fiber.HeaderXRequestID)))
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals(localsRequestID, id)
		c.Set(fiber.HeaderXRequestID, id)
		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
		return c.Next()
	}
}

// RequestIDFrom returns the id assigned by RequestID, if any.
func RequestIDFrom(c *fiber.Ctx) string {
	if id, ok := c.Locals(localsRequestID).(string); ok {
		return id
	}
	return utils.CopyString(strings.TrimSpace(c.Get(fiber.HeaderXRequestID)))
}

// Tenant resolves the calling tenant from the X-Tenant-ID header. Requests
// without one are rejected with 401.
func Tenant() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenantID := utils.CopyString(strings.TrimSpace(c.Get(HeaderTenantID)))
		if tenantID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, domain.ErrUnauthorized.Error()+": missing "+HeaderTenantID)
		}
		c.Locals(localsTenantID, tenantID)
		c.SetUserContext(observability.WithTenantID(c.UserContext(), tenantID))
		return c.Next()
	}
}

// TenantFrom returns the tenant resolved by Tenant.
func TenantFrom(c *fiber.Ctx) string {
	tenantID, _ := c.Locals(localsTenantID).(string)
	return tenantID
}

// TenantRateLimit rejects requests over the tenant's budget with 429. Limiter
// failures let the request through.
func TenantRateLimit(limiter ratelimit.RateLimiter, logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		tenantID := TenantFrom(c)
		if limiter == nil || tenantID == "" {
			return c.Next()
		}

		allowed, err := limiter.Allow(c.UserContext(), tenantID)
		if err != nil {
			observability.WithContextLogger(logger, c.UserContext()).Warn("tenant rate limiter unavailable",
				zap.String("tenantId", tenantID),
				zap.Error(err),
			)
			return c.Next()
		}
		if !allowed {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(1))
			return fiber.NewError(fiber.StatusTooManyRequests, domain.ErrRateLimited.Error())
		}
		return c.Next()
	}
}

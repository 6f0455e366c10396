package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/repository"
	"github.com/opsdash/dispatch-engine/internal/service"
	"github.com/opsdash/dispatch-engine/internal/transport"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type NotificationService interface {
	Send(ctx context.Context, req service.SendRequest) (*domain.Notification, error)
	Get(ctx context.Context, tenantID, id string) (*service.NotificationDetail, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	GetDeliveryStats(ctx context.Context, tenantID string) (domain.DeliveryStats, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

// RegisterNotificationRoutes mounts the tenant-scoped API. tenantMiddleware
// runs before every route and must resolve the tenant (see transport.Tenant).
func RegisterNotificationRoutes(router fiber.Router, service NotificationService, tenantMiddleware ...fiber.Handler) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	scoped := func(handler fiber.Handler) []fiber.Handler {
		chain := make([]fiber.Handler, 0, len(tenantMiddleware)+1)
		chain = append(chain, tenantMiddleware...)
		return append(chain, handler)
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", scoped(h.SendNotification)...)
	v1.Get("/notifications", scoped(h.ListNotifications)...)
	v1.Get("/notifications/:id", scoped(h.GetNotification)...)
	v1.Get("/stats", scoped(h.GetStats)...)

	return nil
}

type sendNotificationRequest struct {
	Title      string          `json:"title"`
	Content    string          `json:"content"`
	Type       string          `json:"type"`
	Recipient  string          `json:"recipient"`
	Priority   string          `json:"priority"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	TemplateID *string         `json:"templateId,omitempty"`
}

type notificationResponse struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenantId"`
	Title             string          `json:"title"`
	Content           string          `json:"content"`
	Type              string          `json:"type"`
	Status            string          `json:"status"`
	Priority          string          `json:"priority"`
	Recipient         string          `json:"recipient"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	TemplateID        *string         `json:"templateId,omitempty"`
	ProviderMessageID *string         `json:"providerMessageId,omitempty"`
	Error             *string         `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	SentAt            *time.Time      `json:"sentAt,omitempty"`
}

type notificationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type attemptResponse struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	AttemptCount      int        `json:"attemptCount"`
	LastAttemptAt     *time.Time `json:"lastAttemptAt,omitempty"`
	Error             *string    `json:"error,omitempty"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

type notificationDetailResponse struct {
	notificationResponse
	Attempts []attemptResponse `json:"attempts"`
}

type listNotificationsResponse struct {
	Notifications []notificationSummary `json:"notifications"`
	Meta          listMeta              `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NotificationHandler) SendNotification(c *fiber.Ctx) error {
	var req sendNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	notification, err := h.service.Send(c.UserContext(), service.SendRequest{
		TenantID:      transport.TenantFrom(c),
		Title:         strings.TrimSpace(req.Title),
		Content:       strings.TrimSpace(req.Content),
		Channel:       req.Type,
		Priority:      req.Priority,
		Recipient:     strings.TrimSpace(req.Recipient),
		Metadata:      req.Metadata,
		TemplateID:    req.TemplateID,
		CorrelationID: transport.RequestIDFrom(c),
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	detail, err := h.service.Get(c.UserContext(), transport.TenantFrom(c), id)
	if err != nil {
		return toHTTPError(err)
	}

	attempts := make([]attemptResponse, 0, len(detail.Attempts))
	for _, a := range detail.Attempts {
		attempts = append(attempts, attemptResponse{
			ID:                a.ID,
			Status:            a.Status.String(),
			AttemptCount:      a.AttemptCount,
			LastAttemptAt:     a.LastAttemptAt,
			Error:             a.Error,
			ProviderMessageID: a.ProviderMessageID,
			CreatedAt:         a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(notificationDetailResponse{
		notificationResponse: toNotificationResponse(detail.Notification),
		Attempts:             attempts,
	})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	summaries := make([]notificationSummary, 0, len(notifications))
	for _, n := range notifications {
		summaries = append(summaries, notificationSummary{
			ID:        n.ID,
			Title:     n.Title,
			Type:      n.Channel.String(),
			Status:    n.Status.String(),
			CreatedAt: n.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Notifications: summaries,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *NotificationHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.service.GetDeliveryStats(c.UserContext(), transport.TenantFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(stats)
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		TenantID: transport.TenantFrom(c),
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawType := strings.TrimSpace(c.Query("type")); rawType != "" {
		channel, err := domain.ParseChannelFromString(rawType)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Channel = &channel
	}

	return params, nil
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	var metadata json.RawMessage
	if len(n.Metadata) > 0 {
		metadata = json.RawMessage(n.Metadata)
	}

	return notificationResponse{
		ID:                n.ID,
		TenantID:          n.TenantID,
		Title:             n.Title,
		Content:           n.Content,
		Type:              n.Channel.String(),
		Status:            n.Status.String(),
		Priority:          n.Priority.String(),
		Recipient:         n.Recipient,
		Metadata:          metadata,
		TemplateID:        n.TemplateID,
		ProviderMessageID: n.ProviderMessageID,
		Error:             n.Error,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
		SentAt:            n.SentAt,
	}
}

func toHTTPError(err error) error {
	code := transport.StatusFor(err)
	if code == fiber.StatusInternalServerError {
		return err
	}
	return fiber.NewError(code, err.Error())
}

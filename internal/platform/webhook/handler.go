package webhook

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/priorauth/internal/platform/auth"
	"github.com/ehr/priorauth/internal/platform/db"
	"github.com/ehr/priorauth/pkg/pagination"
)

// Handler exposes endpoint administration. Every route is scoped to the
// caller's tenant.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes mounts the webhook admin API on g. Callers need the admin role.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	hooks := g.Group("/webhooks", auth.RequireRole("admin"))
	hooks.POST("", h.Create)
	hooks.GET("", h.List)
	hooks.GET("/:id", h.Get)
	hooks.PUT("/:id", h.Update)
	hooks.DELETE("/:id", h.Delete)
	hooks.POST("/:id/test", h.Test)
	hooks.GET("/:id/deliveries", h.Deliveries)
	hooks.POST("/:id/pause", h.Pause)
	hooks.POST("/:id/resume", h.Resume)
	hooks.POST("/deliveries/:deliveryId/retry", h.Retry)
}

func httpError(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, map[string]string{"code": code, "message": message})
}

func notFound() *echo.HTTPError {
	return httpError(http.StatusNotFound, "NotFound", "webhook endpoint not found")
}

// owned loads an endpoint and hides those of other tenants.
func (h *Handler) owned(ctx context.Context, id string) (*Endpoint, error) {
	ep, err := h.manager.store.GetEndpoint(ctx, id)
	if errors.Is(err, ErrEndpointNotFound) {
		return nil, notFound()
	}
	if err != nil {
		return nil, err
	}
	if ep.TenantID != db.TenantFromContext(ctx) {
		return nil, notFound()
	}
	return ep, nil
}

type createRequest struct {
	URL         string   `json:"url"`
	Secret      string   `json:"secret"`
	Events      []string `json:"events"`
	Description string   `json:"description"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return httpError(http.StatusBadRequest, "InvalidRequest", "invalid request body")
	}
	ctx := c.Request().Context()
	ep, err := h.manager.Register(ctx, Registration{
		URL:         req.URL,
		Secret:      req.Secret,
		Events:      req.Events,
		TenantID:    db.TenantFromContext(ctx),
		Description: req.Description,
		CreatedBy:   auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return httpError(http.StatusUnprocessableEntity, "InvalidRequest", err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	p := pagination.FromContext(c)
	eps, total, err := h.manager.store.ListEndpoints(ctx, db.TenantFromContext(ctx), p.Limit, p.Offset)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		ep.Secret = ""
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(eps, total, p.Limit, p.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.owned(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

type updateRequest struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Description *string  `json:"description"`
}

func (h *Handler) Update(c echo.Context) error {
	ctx := c.Request().Context()
	ep, err := h.owned(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return httpError(http.StatusBadRequest, "InvalidRequest", "invalid request body")
	}
	if req.URL != "" {
		if err := validateURL(req.URL); err != nil {
			return httpError(http.StatusUnprocessableEntity, "InvalidRequest", err.Error())
		}
		ep.URL = req.URL
	}
	if req.Events != nil {
		if err := validatePatterns(req.Events); err != nil {
			return httpError(http.StatusUnprocessableEntity, "InvalidRequest", err.Error())
		}
		ep.Events = req.Events
	}
	if req.Description != nil {
		ep.Description = *req.Description
	}
	if err := h.manager.store.UpdateEndpoint(ctx, ep); err != nil {
		return err
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	ep, err := h.owned(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if err := h.manager.store.DeleteEndpoint(ctx, ep.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Test(c echo.Context) error {
	ctx := c.Request().Context()
	ep, err := h.owned(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	d, err := h.manager.TestEndpoint(ctx, ep.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Deliveries(c echo.Context) error {
	ctx := c.Request().Context()
	ep, err := h.owned(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	logs, total, err := h.manager.Deliveries(ctx, ep.ID, p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(logs, total, p.Limit, p.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) Pause(c echo.Context) error  { return h.setStatus(c, StatusPaused) }
func (h *Handler) Resume(c echo.Context) error { return h.setStatus(c, StatusActive) }

func (h *Handler) setStatus(c echo.Context, status string) error {
	ctx := c.Request().Context()
	ep, err := h.owned(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if _, err := h.manager.SetStatus(ctx, ep.ID, status); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"id": ep.ID, "status": status})
}

func (h *Handler) Retry(c echo.Context) error {
	ctx := c.Request().Context()
	d, err := h.manager.store.GetDelivery(ctx, c.Param("deliveryId"))
	if errors.Is(err, ErrDeliveryNotFound) {
		return httpError(http.StatusNotFound, "NotFound", "webhook delivery not found")
	}
	if err != nil {
		return err
	}
	if _, err := h.owned(ctx, d.EndpointID); err != nil {
		return err
	}
	d, err = h.manager.Redeliver(ctx, d.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

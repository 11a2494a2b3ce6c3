package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"threatwatch/internal/alerts"
	"threatwatch/internal/models"
	"threatwatch/internal/repository"
)

type AlertHandler struct {
	Svc *alerts.Service
}

func (h *AlertHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/alerts")
	group.GET("", h.list)
	group.GET("/:id", h.get)
	group.POST("/:id/acknowledge", h.acknowledge)
	group.POST("/:id/resolve", h.resolve)
	group.POST("/:id/false-positive", h.falsePositive)
	group.POST("/:id/escalate", h.escalate)
	group.POST("/:id/archive", h.archive)
	group.POST("/:id/read", h.read)
}

func (h *AlertHandler) list(c *gin.Context) {
	if h.Svc == nil {
		Error(c, http.StatusInternalServerError, "alert service unavailable", nil)
		return
	}

	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListAlertsParams{
		Source:          strQueryPtr(c, "source"),
		Target:          strQueryPtr(c, "target"),
		UserID:          strQueryPtr(c, "user_id"),
		Since:           timeQuery(c, "since"),
		Unresolved:      boolQueryDefault(c, "unresolved", false),
		IncludeArchived: boolQueryDefault(c, "include_archived", false),
		OrderBy:         c.Query("order_by"),
		Asc:             boolQueryDefault(c, "asc", false),
		Limit:           limit,
		Offset:          offset,
	}
	if v := strings.TrimSpace(c.Query("status")); v != "" {
		status := models.AlertStatus(v)
		params.Status = &status
	}
	if v := strings.TrimSpace(c.Query("severity")); v != "" {
		severity := models.Severity(v)
		if !severity.Valid() {
			Error(c, http.StatusBadRequest, "unknown severity "+v, nil)
			return
		}
		params.Severity = &severity
	}

	items, total, err := h.Svc.List(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *AlertHandler) get(c *gin.Context) {
	if h.Svc == nil {
		Error(c, http.StatusInternalServerError, "alert service unavailable", nil)
		return
	}
	item, err := h.Svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	Ok(c, item, nil)
}

type actionRequest struct {
	Actor      string `json:"actor"`
	Reason     string `json:"reason,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

func (h *AlertHandler) acknowledge(c *gin.Context) {
	h.lifecycle(c, func(req actionRequest) (*models.ThreatAlert, error) {
		return h.Svc.Acknowledge(c.Request.Context(), c.Param("id"), req.Actor)
	})
}

func (h *AlertHandler) resolve(c *gin.Context) {
	h.lifecycle(c, func(req actionRequest) (*models.ThreatAlert, error) {
		return h.Svc.Resolve(c.Request.Context(), c.Param("id"), req.Resolution, req.Actor)
	})
}

func (h *AlertHandler) falsePositive(c *gin.Context) {
	h.lifecycle(c, func(req actionRequest) (*models.ThreatAlert, error) {
		return h.Svc.MarkFalsePositive(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	})
}

func (h *AlertHandler) escalate(c *gin.Context) {
	h.lifecycle(c, func(req actionRequest) (*models.ThreatAlert, error) {
		return h.Svc.Escalate(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	})
}

func (h *AlertHandler) archive(c *gin.Context) {
	h.lifecycle(c, func(req actionRequest) (*models.ThreatAlert, error) {
		return h.Svc.Archive(c.Request.Context(), c.Param("id"), req.Actor)
	})
}

func (h *AlertHandler) read(c *gin.Context) {
	h.lifecycle(c, func(req actionRequest) (*models.ThreatAlert, error) {
		return h.Svc.MarkRead(c.Request.Context(), c.Param("id"), req.Actor)
	})
}

func (h *AlertHandler) lifecycle(c *gin.Context, op func(actionRequest) (*models.ThreatAlert, error)) {
	if h.Svc == nil {
		Error(c, http.StatusInternalServerError, "alert service unavailable", nil)
		return
	}
	// An empty body is fine; everything else must parse.
	var req actionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			Error(c, http.StatusBadRequest, "invalid request body", nil)
			return
		}
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}

	item, err := op(req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	Ok(c, item, nil)
}

func (h *AlertHandler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, alerts.ErrAlertNotFound):
		Error(c, http.StatusNotFound, err.Error(), nil)
	case alerts.IsInvalidTransition(err):
		Error(c, http.StatusConflict, err.Error(), nil)
	default:
		Error(c, http.StatusInternalServerError, err.Error(), nil)
	}
}

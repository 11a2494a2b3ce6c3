package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"threatwatch/internal/models"
	"threatwatch/internal/queue"
	"threatwatch/internal/repository"
)

type MonitorHandler struct {
	Queue queue.Queue
	Repo  repository.AlertRepository
}

func (h *MonitorHandler) Register(r *gin.Engine) {
	r.POST("/api/v1/monitor", h.monitorTarget)
	r.GET("/api/v1/queue/stats", h.queueStats)
	r.GET("/api/v1/sources", h.listSources)
}

type monitorRequest struct {
	UserID string `json:"userId"`
	Target string `json:"target" binding:"required"`
	Type   string `json:"type"`
}

// monitorTarget enqueues a monitor-threat job. In fallback mode the handler
// has already run by the time the response is written; the handle state says
// which happened.
func (h *MonitorHandler) monitorTarget(c *gin.Context) {
	if h.Queue == nil {
		Error(c, http.StatusInternalServerError, "queue unavailable", nil)
		return
	}
	var req monitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "target is required", nil)
		return
	}
	if req.Type == "" {
		req.Type = "monitor-threat"
	}

	handle, err := h.Queue.Enqueue(c.Request.Context(), models.JobTypeMonitorThreat, models.MonitorRequest{
		UserID: req.UserID,
		Target: strings.TrimSpace(req.Target),
		Type:   req.Type,
	}, queue.Options{})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}

	c.JSON(http.StatusAccepted, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    handle,
		Meta:    map[string]any{"queue_mode": h.Queue.Mode()},
	})
}

func (h *MonitorHandler) queueStats(c *gin.Context) {
	if h.Queue == nil {
		Error(c, http.StatusInternalServerError, "queue unavailable", nil)
		return
	}
	out := map[string]queue.Stats{}
	for _, jobType := range []string{models.JobTypeProcessSignal, models.JobTypeMonitorThreat} {
		st, err := h.Queue.Stats(c.Request.Context(), jobType)
		if err != nil {
			Error(c, http.StatusBadGateway, err.Error(), nil)
			return
		}
		out[jobType] = st
	}
	Ok(c, out, map[string]any{"queue_mode": h.Queue.Mode()})
}

func (h *MonitorHandler) listSources(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListFeedSources(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"threatwatch/internal/metrics"
)

type MetricsHandler struct {
	Agg *metrics.Aggregator
}

func (h *MetricsHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/metrics", h.snapshot)
	r.POST("/api/v1/metrics/refresh", h.refresh)
}

func (h *MetricsHandler) snapshot(c *gin.Context) {
	if h.Agg == nil {
		Error(c, http.StatusInternalServerError, "aggregator unavailable", nil)
		return
	}
	Ok(c, h.Agg.Current(), nil)
}

func (h *MetricsHandler) refresh(c *gin.Context) {
	if h.Agg == nil {
		Error(c, http.StatusInternalServerError, "aggregator unavailable", nil)
		return
	}
	snap, err := h.Agg.ForceUpdate(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, snap, nil)
}

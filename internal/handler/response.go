package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

func intQuery(c *gin.Context, key string, def int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func boolQueryDefault(c *gin.Context, key string, def bool) bool {
	if val := c.Query(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

func timeQuery(c *gin.Context, key string) *time.Time {
	if val := c.Query(key); val != "" {
		if parsed, err := time.Parse(time.RFC3339, val); err == nil {
			parsed = parsed.UTC()
			return &parsed
		}
	}
	return nil
}

func strQueryPtr(c *gin.Context, key string) *string {
	if val := c.Query(key); val != "" {
		return &val
	}
	return nil
}

func paginationMeta(limit, offset int, total int64) map[string]any {
	return map[string]any{
		"limit":  limit,
		"offset": offset,
		"total":  total,
	}
}

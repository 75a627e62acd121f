package handler

import (
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler 存活检查
type HealthHandler struct {
	tracker Availability
	started time.Time
}

func NewHealthHandler(tracker Availability) *HealthHandler {
	return &HealthHandler{tracker: tracker, started: time.Now()}
}

func (h *HealthHandler) Health(c *gin.Context) {
	success(c, gin.H{
		"status":           "ok",
		"worker_available": h.tracker.Available(),
		"uptime":           time.Since(h.started).Round(time.Second).String(),
	}, "success")
}

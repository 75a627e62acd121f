package handler

import (
	"io"
	"time"

	"gpu-fusion/app/service"

	"github.com/gin-gonic/gin"
)

const sseHeartbeat = 15 * time.Second

// ProgressHandler 以 SSE 推送远程任务进度
type ProgressHandler struct {
	hub *service.ProgressHub
}

func NewProgressHandler(hub *service.ProgressHub) *ProgressHandler {
	return &ProgressHandler{hub: hub}
}

// Stream GET /api/progress
func (h *ProgressHandler) Stream(c *gin.Context) {
	events, cancel := h.hub.Subscribe(32)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case p, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("progress", p)
			return true
		case t := <-heartbeat.C:
			c.SSEvent("ping", t.Unix())
			return true
		}
	})
}

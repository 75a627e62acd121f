package server

import (
	"time"

	"gpu-fusion/app/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// requestLogger 用 zap 记录请求，SSE 长连接只在结束时记录一次
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			log.Warn(c.Errors.String(), fields...)
			return
		}
		log.Debug("请求完成", fields...)
	}
}

package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Mutter0815/campaign-engine/internal/tracking"
	"github.com/Mutter0815/campaign-engine/pkg/logx"
	"github.com/Mutter0815/campaign-engine/pkg/metrics"
)

const requestIDHeader = "X-Request-ID"

// RequestID reuses the caller's request id or assigns one, and echoes it back.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(requestIDHeader, rid)
		c.Set("request_id", rid)
		c.Next()
	}
}

// Observability records request metrics and writes one access log line per
// request. Pixel and redirect hits are counted but not logged.
func Observability() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		lat := time.Since(start).Seconds()
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method, route).Observe(lat)

		if isTrackingRoute(route) {
			return
		}
		fields := []any{
			"rid", c.GetString("request_id"),
			"method", c.Request.Method,
			"path", route,
			"status", status,
			"duration", lat,
			"client_ip", c.ClientIP(),
		}
		if status >= 500 {
			logx.L().Warnw("http_access", fields...)
			return
		}
		logx.L().Infow("http_access", fields...)
	}
}

func isTrackingRoute(route string) bool {
	return strings.HasPrefix(route, tracking.OpenPath) || strings.HasPrefix(route, tracking.ClickPath)
}

package observability

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels requests no route claimed so scanners cannot grow
// label cardinality.
const unmatchedRoute = "unmatched"

func routeLabel(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return unmatchedRoute
}

func isUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

// RequestLogger logs one line per request. Stream upgrades log when the
// stream ends; metrics scrapes only at trace level.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := routeLabel(c)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case route == "/metrics":
			event = logger.Trace()
		case c.Request.Method == "POST":
			event = logger.Info()
		default:
			event = logger.Debug()
		}

		msg := "api.request served"
		if isUpgrade(c) {
			msg = "api.stream ended"
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg(msg)
	}
}

// RequestMetricsMiddleware records request counts and latency per route.
// Stream lifetimes are excluded from the latency histogram.
func RequestMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		if isUpgrade(c) {
			elapsed = 0
		}
		RecordHTTPRequest(c.Request.Method, routeLabel(c), c.Writer.Status(), elapsed)
	}
}

package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// quietRoutes are polled by probes and scrapers and log at trace level.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// HTTPMiddleware logs each request and records it in the HTTP collectors
// under the matched route, falling back to the raw path for unmatched ones.
func HTTPMiddleware(logger zerolog.Logger, device string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		RecordHTTPRequest(device, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case quietRoutes[route]:
			event = logger.Trace()
		default:
			event = logger.Debug()
		}
		event.
			Str("device", device).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("observability.HTTPMiddleware request")
	}
}

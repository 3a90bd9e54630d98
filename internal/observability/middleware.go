package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	sessionIdentityKey  = "relay.identity"
	sessionTransportKey = "relay.transport"
)

// TagSession marks the request as carrying a relay session so the request
// log and metrics name it.
func TagSession(c *gin.Context, identity, transport string) {
	c.Set(sessionIdentityKey, identity)
	c.Set(sessionTransportKey, transport)
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// statusOf reports 101 for a websocket upgrade whose connection was hijacked;
// gin never sees the switching-protocols status gorilla writes.
func statusOf(c *gin.Context) int {
	status := c.Writer.Status()
	if status == http.StatusOK && isUpgrade(c.Request) {
		return http.StatusSwitchingProtocols
	}
	return status
}

func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return c.Request.URL.Path
}

func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := statusOf(c)
		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event = event.
			Str("method", c.Request.Method).
			Str("path", routeOf(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if status == http.StatusSwitchingProtocols {
			event.
				Str("identity", c.GetString(sessionIdentityKey)).
				Str("transport", c.GetString(sessionTransportKey)).
				Msg("relay.http session ended")
			return
		}
		event.Int("bytes", c.Writer.Size()).Msg("relay.http request")
	}
}

// RequestMetricsMiddleware counts every request. Upgraded sessions stay out
// of the duration histogram; their lifetime is not request latency.
func RequestMetricsMiddleware(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := statusOf(c)
		if status == http.StatusSwitchingProtocols {
			RecordHTTPUpgrade(node, routeOf(c), c.GetString(sessionTransportKey))
			return
		}
		RecordHTTPRequest(node, c.Request.Method, routeOf(c), status, time.Since(start))
	}
}

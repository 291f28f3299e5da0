package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/metrics"
)

// workerTokenKey is the context key for verified token claims.
const workerTokenKey = "workerToken"

// requestLogger logs one line per request. Probe and scrape endpoints
// are skipped to keep the log readable.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		switch path {
		case "/healthz", "/readyz", "/metrics":
			return
		}
		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request handled")
	}
}

// httpMetrics records request counts and latency per route template.
func httpMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	}
}

// workerAuth verifies the worker token from the Authorization or
// X-Worker-Token header and stores the claims on the context. With
// optional set, requests without a token pass through unauthenticated;
// a token that is present is always verified.
func (s *Server) workerAuth(optional bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			if optional {
				c.Next()
				return
			}
			renderError(c, errors.Unauthorized.New("missing worker token"))
			return
		}
		claims, err := s.manager.Tokens().Verify(token, time.Now())
		if err != nil {
			renderError(c, err)
			return
		}
		c.Set(workerTokenKey, claims)
		c.Next()
	}
}

// bearerToken extracts the worker token from the request headers.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	return c.GetHeader("X-Worker-Token")
}

// corsHeaders answers browser cross-origin checks from the configured
// allow-list, echoing the origin on a match and short-circuiting
// preflight. Installed only when origins are configured.
func (s *Server) corsHeaders() gin.HandlerFunc {
	allowed := s.cfg.AllowedOrigins
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && originAllowed(origin, allowed) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Worker-Token")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// originAllowed prefix-matches so one allowed origin covers any port.
func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if strings.HasPrefix(origin, a) {
			return true
		}
	}
	return false
}

// principal identifies the caller for rate limiting: the verified
// worker id when authenticated, the client address otherwise.
func principal(c *gin.Context) string {
	if tok := tokenWorker(c); tok != nil {
		return "worker:" + tok.WorkerID
	}
	return "ip:" + c.ClientIP()
}

// rateLimit enforces a fixed-window request budget per principal. A
// cache outage never takes the API down; the request is let through.
func (s *Server) rateLimit() gin.HandlerFunc {
	window := s.cfg.RateLimitWindow
	budget := int64(s.cfg.RateLimitMax)
	return func(c *gin.Context) {
		if budget <= 0 {
			c.Next()
			return
		}
		count, err := s.cache.IncrWindow(c.Request.Context(), principal(c), window)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Rate limit check failed, allowing request")
			c.Next()
			return
		}
		if count > budget {
			c.Header("Retry-After", strconv.Itoa(int(window/time.Second)))
			renderError(c, errors.RateLimited.Newf("more than %d requests in %s", budget, window))
			return
		}
		c.Next()
	}
}

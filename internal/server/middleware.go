package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qudata/fleet-agent/internal/security"
)

// Authenticator checks a signature over request data.
type Authenticator interface {
	Authenticate(data []byte, date, signature string) error
}

// NewEngine returns a gin engine with the shared recovery and logging middleware.
func NewEngine(logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggingMiddleware(logger))
	return router
}

// DefaultMaxClockSkew bounds how far a request Date may be from local time
// when no other limit is configured.
const DefaultMaxClockSkew = 5 * time.Minute

var publicPaths = map[string]bool{
	"/ping":    true,
	"/metrics": true,
}

// AuthMiddleware validates the Date and X-Signature headers. The signature
// covers the request body, or the canonical query string when the body is empty.
// Requests dated further than maxSkew from now are refused; a non-positive
// maxSkew means DefaultMaxClockSkew.
func AuthMiddleware(auth Authenticator, maxSkew time.Duration, now func() time.Time) gin.HandlerFunc {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxClockSkew
	}
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		if publicPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		signature := c.GetHeader("X-Signature")
		date := c.GetHeader("Date")
		if signature == "" || date == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok":    false,
				"error": "missing X-Signature or Date header",
			})
			return
		}

		sent, err := security.ParseDate(date)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok":    false,
				"error": "malformed Date header",
			})
			return
		}
		if skew := now().Sub(sent); skew > maxSkew || skew < -maxSkew {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok":    false,
				"error": "request date out of range",
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"ok":    false,
				"error": "read body",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		data := body
		if len(data) == 0 {
			params := map[string]string{}
			for k, v := range c.Request.URL.Query() {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
			data = security.Canonical(params)
		}

		if err := auth.Authenticate(data, date, signature); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"ok":    false,
				"error": "invalid signature",
			})
			return
		}

		c.Next()
	}
}

// LoggingMiddleware logs each request with duration and status.
func LoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug("request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"ip", c.ClientIP(),
		)
	}
}

// RecoveryMiddleware catches panics and returns a 500 error.
func RecoveryMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					"error", r,
					"path", c.Request.URL.Path,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"ok":    false,
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

package httpmiddleware

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/circuitbreaker"
	"mahjong_analysis/backend/go/pkg/logger"
	"mahjong_analysis/backend/go/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

// RateLimit applies one shared limiter to every request.
func RateLimit(limiter ratelimiter.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
			return
		}
		c.Next()
	}
}

// RateLimitPerClient keeps a separate budget for each client IP.
func RateLimitPerClient(limiter *ratelimiter.PerKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.AllowKey(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
			return
		}
		c.Next()
	}
}

// CircuitBreak is a middleware that applies the circuit breaker pattern to the handler chain.
// It considers HTTP status codes >= 500 as failures.
func CircuitBreak(breaker circuitbreaker.CircuitBreaker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ran := false
		_, err := breaker.Execute(func() (interface{}, error) {
			ran = true
			c.Next()
			if status := c.Writer.Status(); status >= http.StatusInternalServerError {
				return nil, fmt.Errorf("server error: status code %d", status)
			}
			return nil, nil
		})
		if ran {
			// The handler already wrote its own response.
			return
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyProbes) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Service Unavailable: Circuit Breaker is open"})
		}
	}
}

// CORS allows browser dashboards on other origins to poll the API.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogger writes one structured line per request.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := log.WithRequest(models.RequestInfo{
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			RemoteAddr: c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			Status:     status,
			LatencyMS:  time.Since(start).Milliseconds(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithError(models.ErrorInfo{Message: c.Errors.String(), StatusCode: status})
		}
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Info("request served")
		}
	}
}

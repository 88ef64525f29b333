// internal/middleware/rate_limit_middleware.go
package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"billing-service/internal/pkg/ratelimit"
	"billing-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimit caps how often an authenticated user may hit endpoint. It must
// run after Auth. When Redis is unreachable requests are let through.
func RateLimit(limiter *ratelimit.Limiter, endpoint string, max int64, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := GetUserID(c)
		if !ok {
			response.Unauthorized(c, "Unauthorized")
			return
		}

		allowed, remaining, err := limiter.Allow(c.Request.Context(), userID, endpoint, max, window)
		if err != nil {
			logger.Warn("rate limit check failed, allowing request",
				zap.String("endpoint", endpoint),
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(max, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !allowed {
			if wait, err := limiter.RetryAfter(c.Request.Context(), userID, endpoint); err == nil && wait > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			response.Error(c, http.StatusTooManyRequests, "Too many requests",
				fmt.Errorf("limit of %d per %s reached", max, window))
			return
		}
		c.Next()
	}
}

package middleware

import (
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/parleyhq/parley/common/ratelimit"
)

// isInternalRequest checks if the request is from an internal service.
// Internal services set X-Internal-Service to the shared secret to bypass
// rate limits.
func isInternalRequest(c echo.Context) bool {
	internalHeader := c.Request().Header.Get("X-Internal-Service")
	if internalHeader == "" {
		return false
	}
	expectedSecret := os.Getenv("INTERNAL_SERVICE_SECRET")
	if expectedSecret == "" {
		return false
	}
	return internalHeader == expectedSecret
}

// ownerID extracts the caller's owner id. Generation requests carry it in
// the body, so the header/query forms here are what clients use for the
// middleware to see it; requests without one are not limited here and fall
// through to the per-generation tiered limits.
func ownerID(c echo.Context) string {
	if owner := c.Request().Header.Get("X-Owner-Id"); owner != "" {
		return owner
	}
	return c.QueryParam("ownerId")
}

// OwnerRateLimit enforces a per-owner request ceiling across all API routes
// over a 60 second window. Limiter errors fail open: availability over
// enforcement.
func OwnerRateLimit(rateLimiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			owner := ownerID(c)
			if owner == "" {
				return next(c)
			}

			result, err := rateLimiter.CheckOwnerLimit(c.Request().Context(), owner, limit, 60)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", result.RetryAfterSeconds))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": "Request quota exceeded. Please wait before trying again.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window":              "60 seconds",
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}

package api

import (
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

const requestIDKey = "request_id"

// requestIDMiddleware gives each request an id, echoed in the response
// envelope and the X-Request-Id header: an incoming X-Request-Id is
// reused, otherwise a new UUID is generated.
func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.New().String()
			}
			c.Set(requestIDKey, id)
			c.Response().Header().Set("X-Request-Id", id)
			return next(c)
		}
	}
}

// requestID reads the id assigned by requestIDMiddleware.
func requestID(c *echo.Context) string {
	if id, ok := c.Get(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header a caller may supply to correlate its own
// request id; the middleware echoes it back on the response.
const RequestIDHeader = "X-Request-ID"

// RequestID attaches a request id to every request: the caller's own id when
// present, a fresh UUID otherwise. Downstream middleware and handlers read it
// from the "request_id" context key.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

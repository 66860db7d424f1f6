package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// MsgTimeout is the plain-text body returned when a request runs out of time.
const MsgTimeout = "Error: request timed out"

// RequestTimeout sets a deadline on the request context. Outbound EHR calls
// inherit it. If the handler returns the deadline error without having
// written a response, the middleware answers 504. A zero or negative
// timeout disables the middleware.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && !c.Response().Committed {
				return c.String(http.StatusGatewayTimeout, MsgTimeout)
			}
			return err
		}
	}
}

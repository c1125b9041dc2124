package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Authentication proper lives in the platform's API gateway; by the time a
// request reaches this service the student identity arrives as a trusted
// header. RequireStudent rejects anything without one.
func RequireStudent() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get("X-Student-ID")
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing student identity")
			}
			id, err := strconv.ParseUint(raw, 10, 32)
			if err != nil || id == 0 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid student identity")
			}
			c.Set("studentID", uint(id))
			return next(c)
		}
	}
}

// StudentID returns the identity set by RequireStudent.
func StudentID(c echo.Context) uint {
	if id, ok := c.Get("studentID").(uint); ok {
		return id
	}
	return 0
}

// RequireOperator guards the privileged manual-verification and refund
// endpoints with a static API key compared in constant time. The operator's
// name travels in X-Operator-ID and is recorded on attestations.
func RequireOperator(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return echo.NewHTTPError(http.StatusForbidden, "operator access not configured")
			}
			supplied := c.Request().Header.Get("X-Operator-Key")
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(apiKey)) != 1 {
				return echo.NewHTTPError(http.StatusForbidden, "invalid operator key")
			}
			operator := c.Request().Header.Get("X-Operator-ID")
			if operator == "" {
				return echo.NewHTTPError(http.StatusForbidden, "missing operator identity")
			}
			c.Set("operatorID", operator)
			return next(c)
		}
	}
}

// OperatorID returns the identity set by RequireOperator.
func OperatorID(c echo.Context) string {
	if id, ok := c.Get("operatorID").(string); ok {
		return id
	}
	return ""
}

package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// NewErrorHandler creates the custom error handler for Echo. Everything is
// rendered as a {error} JSON body; internal errors keep their detail out of
// the response.
func NewErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "something went wrong"

		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok && msg != "" {
				message = msg
			} else {
				message = http.StatusText(code)
			}
		}

		if code >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", code),
				zap.Error(err),
			)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, map[string]string{"error": message})
	}
}

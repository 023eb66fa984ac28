package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/joshu-sajeev/fleetq/common"
)

// ErrorHandler renders the last gin error as the protocol error envelope.
// Errors that are not common.APIError are logged and reported as a generic 500.
func ErrorHandler(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var apiErr common.APIError
		if errors.As(err, &apiErr) {
			c.JSON(apiErr.Status, common.NewErrorBody(apiErr))
			return
		}

		logger.Error("unhandled request error",
			slog.String("path", c.FullPath()),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, common.NewErrorBody(
			common.Errf(http.StatusInternalServerError, "internal server error"),
		))
	}
}

// NoRoute answers unknown paths with the error envelope.
func NoRoute(c *gin.Context) {
	c.JSON(http.StatusNotFound, common.NewErrorBody(common.Errf(http.StatusNotFound, "route not found")))
}

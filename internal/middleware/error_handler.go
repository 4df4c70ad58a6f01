package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	apperrors "collaborative-workspace-sync/internal/errors"
)

func ErrorHandler(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next() // Execute the handler first

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var appErr *apperrors.AppError
		// a raw error we didn't wrap is treated as internal
		if !errors.As(err, &appErr) {
			appErr = apperrors.Internal(err)
		}

		status := appErr.Kind.Status()
		if status >= 500 {
			logger.Error().Err(appErr.Err).Str("path", c.Request.URL.Path).Msg(appErr.Message)
		} else {
			logger.Info().Err(appErr.Err).Str("path", c.Request.URL.Path).Msg(appErr.Message)
		}

		c.AbortWithStatusJSON(status, appErr)
	}
}

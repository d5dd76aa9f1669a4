package middleware

import (
	"net/http"

	"tilecast/internal/core/domain"
	"tilecast/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DomainErrorMappings translates registry errors into API responses.
var DomainErrorMappings = []errors.Mapping{
	{Target: domain.ErrSessionNotFound, Code: errors.ErrCodeNotFound, Status: http.StatusNotFound},
	{Target: domain.ErrInvalidPage, Code: errors.ErrCodeInvalidInput, Status: http.StatusBadRequest},
	{Target: domain.ErrSessionExists, Code: errors.ErrCodeConflict, Status: http.StatusConflict},
	{Target: domain.ErrTransportClosed, Code: errors.ErrCodeServiceUnavailable, Status: http.StatusServiceUnavailable},
}

// ErrorHandlerMiddleware renders the last error attached to the context.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := errors.Classify(err, DomainErrorMappings...)

		if appErr.HTTPStatus == http.StatusInternalServerError {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": "Internal server error",
			})
			return
		}

		logger.Debugw("request rejected",
			"code", appErr.Code,
			"message", appErr.Message,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}

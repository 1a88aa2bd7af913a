package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillpress/realtime/internal/blogapi"
	"github.com/quillpress/realtime/internal/cache"
	"github.com/quillpress/realtime/internal/notify"
	"github.com/quillpress/realtime/internal/realtime"
)

// Error represents an API error
type Error struct {
	Code    int
	Message string
}

// NewError creates a new API error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

// toError maps domain errors onto HTTP ones
func toError(err error) *Error {
	var (
		apiErr    *Error
		statusErr *blogapi.StatusError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, realtime.ErrNotConnected), errors.Is(err, notify.ErrNoTenant):
		return NewError(http.StatusConflict, err.Error())
	case errors.Is(err, cache.ErrNotMirrored):
		return NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, cache.ErrCacheDisabled):
		return NewError(http.StatusServiceUnavailable, err.Error())
	case blogapi.IsAuthError(err), errors.As(err, &statusErr):
		return NewError(http.StatusBadGateway, err.Error())
	default:
		return NewError(http.StatusInternalServerError, err.Error())
	}
}

func abortWithError(c *gin.Context, err error) {
	apiErr := toError(err)
	c.AbortWithStatusJSON(apiErr.Code, gin.H{"error": apiErr.Message})
}

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/relance/internal/directory"
	"github.com/zulandar/relance/internal/dispatch"
	"github.com/zulandar/relance/internal/followup"
	"github.com/zulandar/relance/internal/settings"
)

// errBadRequest marks request decoding and parameter errors.
var errBadRequest = errors.New("invalid request")

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, followup.ErrNotFound),
		errors.Is(err, settings.ErrNotFound),
		errors.Is(err, directory.ErrClientNotFound):
		return http.StatusNotFound
	case errors.Is(err, followup.ErrNotOpen),
		errors.Is(err, followup.ErrClaimed),
		errors.Is(err, dispatch.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, settings.ErrInvalid),
		errors.Is(err, dispatch.ErrNoTemplate):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/requests"
	"github.com/imtaco/peer-connect/rooms"
)

// ErrRateLimited is reported with 429.
const ErrRateLimited errors.Code = "rate limited"

var codeStatus = map[errors.Code]int{
	requests.ErrInvalidRequest:  http.StatusBadRequest,
	requests.ErrNotAuthorized:   http.StatusForbidden,
	requests.ErrRequestNotFound: http.StatusNotFound,
	requests.ErrAlreadyActive:   http.StatusConflict,
	requests.ErrRequestGone:     http.StatusGone,
	ErrRateLimited:              http.StatusTooManyRequests,
	rooms.ErrInvalidRoom:        http.StatusServiceUnavailable,
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(err error) (errors.Code, int) {
	if code, ok := errors.CodeOf(err); ok {
		if status, found := codeStatus[code]; found {
			return code, status
		}
	}
	return "", http.StatusInternalServerError
}

func (r *Router) respondError(c *gin.Context, op string, err error) {
	code, status := StatusFor(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("Request failed",
			log.String("op", op),
			log.Error(err))
		c.JSON(status, gin.H{
			"success": false,
			"error":   "Failed to " + op,
		})
		return
	}

	c.JSON(status, gin.H{
		"success": false,
		"code":    string(code),
		"error":   err.Error(),
	})
}

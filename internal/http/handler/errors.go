package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lumacart/identity/internal/domain"
)

// writeError maps a classified error onto the wire. Protocol errors use the
// OAuth2 body shape; everything else uses the same shape with the kind's
// generic code so clients parse one format.
func writeError(c *gin.Context, err error) {
	e, ok := domain.AsError(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":             domain.ErrCodeServerError,
			"error_description": "internal error",
		})
		return
	}

	switch e.Kind {
	case domain.KindProtocol:
		status := http.StatusBadRequest
		switch e.Code {
		case domain.ErrCodeInvalidClient:
			status = http.StatusUnauthorized
			c.Header("WWW-Authenticate", `Basic realm="lumacart"`)
		case domain.ErrCodeUnavailable:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": e.Code, "error_description": e.Message})
	case domain.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             domain.ErrCodeInvalidRequest,
			"error_description": e.Message,
			"fields":            e.Fields,
		})
	case domain.KindAuthentication:
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":             "authentication_failed",
			"error_description": e.Message,
		})
	case domain.KindAuthorization:
		c.JSON(http.StatusForbidden, gin.H{
			"error":             "insufficient_permissions",
			"error_description": e.Message,
		})
	case domain.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "not_found",
			"error_description": e.Message,
		})
	case domain.KindConflict:
		c.JSON(http.StatusConflict, gin.H{
			"error":             "conflict",
			"error_description": e.Message,
			"fields":            e.Fields,
		})
	case domain.KindUnavailable:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":             domain.ErrCodeUnavailable,
			"error_description": e.Message,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":             domain.ErrCodeServerError,
			"error_description": "internal error",
		})
	}
}

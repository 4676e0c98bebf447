package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/internal/orchestrator"
	"github.com/YangTris/Hotel-Microservice/internal/store"
)

type errorResponse struct {
	Status int `json:"-"`
	Error  struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
	Detail any `json:"detail,omitempty"`
}

// abortWithError сохраняет исходную ошибку в c.Errors для лога запроса
func abortWithError(c *gin.Context, status int, err error, msg string, detail any) {
	resp := errorResponse{Status: status}
	resp.Error.Message = msg
	resp.Error.Code = core.CodeOf(err)
	resp.Detail = detail

	_ = c.Error(&gin.Error{
		Err:  err,
		Type: gin.ErrorTypePublic,
		Meta: resp,
	})
	c.AbortWithStatusJSON(status, resp)
}

// abortWithServiceError переводит ошибку оркестратора в HTTP статус
func abortWithServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		abortWithError(c, http.StatusBadRequest, err, "invalid booking request", err.Error())
	case errors.Is(err, store.ErrSagaNotFound):
		abortWithError(c, http.StatusNotFound, err, "booking not found", nil)
	case errors.Is(err, orchestrator.ErrSagaTerminal):
		abortWithError(c, http.StatusConflict, err, "booking already finished", nil)
	case core.IsConflict(err):
		abortWithError(c, http.StatusConflict, err, "booking is being updated, retry later", nil)
	case core.IsTransient(err):
		abortWithError(c, http.StatusServiceUnavailable, err, "service temporarily unavailable", nil)
	default:
		abortWithError(c, http.StatusInternalServerError, err, "internal server error", nil)
	}
}

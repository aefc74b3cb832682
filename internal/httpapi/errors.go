package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/protocol"
)

// writeError maps a pipeline or store error onto an HTTP status and a flat
// {error_code, message} body. 429 responses carry a Retry-After hint so
// submitters back off instead of hammering a full queue.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code, msg := errorStatus(err)
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", "2")
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error_code": code, "message": msg})
}

func errorStatus(err error) (int, string, string) {
	var perr *model.PipelineError
	switch {
	case errors.As(err, &perr):
		status := perr.StatusCode
		if status == 0 {
			status = statusForCode(perr.Code)
		}
		return status, perr.Code, perr.Message
	case errors.Is(err, model.ErrUnknownToken):
		return http.StatusNotFound, protocol.ErrorCodeUnknownToken, model.ErrUnknownToken.Error()
	case errors.Is(err, model.ErrBusy):
		return http.StatusTooManyRequests, protocol.ErrorCodeBusy, model.ErrBusy.Error()
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, protocol.ErrorCodeNotFound, err.Error()
	case errors.Is(err, model.ErrCancelled), errors.Is(err, context.Canceled):
		return http.StatusConflict, protocol.ErrorCodeCancelled, "operation cancelled"
	default:
		return http.StatusInternalServerError, protocol.ErrorCodeFatal, err.Error()
	}
}

// statusForCode backstops PipelineErrors raised without an explicit status.
func statusForCode(code string) int {
	switch code {
	case protocol.ErrorCodeUserInput:
		return http.StatusBadRequest
	case protocol.ErrorCodeNotFound, protocol.ErrorCodeUnknownToken:
		return http.StatusNotFound
	case protocol.ErrorCodeBusy:
		return http.StatusTooManyRequests
	case protocol.ErrorCodeCancelled:
		return http.StatusConflict
	case protocol.ErrorCodeTransient, protocol.ErrorCodeLLMUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

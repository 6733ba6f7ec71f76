package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/kernelkeeper/internal/acquire"
	"github.com/loykin/kernelkeeper/internal/supervisor"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// statusFor maps a domain error onto an HTTP status code.
func statusFor(err error) int {
	var ae *acquire.Error
	switch {
	case errors.Is(err, supervisor.ErrKernelNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrStopTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &ae):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isTrue(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, err error) {
	resp := errorResp{Error: err.Error()}
	var ae *acquire.Error
	if errors.As(err, &ae) {
		resp.Instructions = ae.Instructions()
	}
	writeJSON(c, statusFor(err), resp)
}

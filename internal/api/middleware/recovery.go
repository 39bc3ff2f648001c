package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/fastcrud/userapi/internal/api/types"
	appErr "github.com/fastcrud/userapi/pkg/errors"
	"github.com/fastcrud/userapi/pkg/logger"
	"go.uber.org/zap"
)

// Recovery logs panics and returns 500 with a generic message.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.L().Error("panic recovered",
					zap.String("id", GetRequestID(r.Context())),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				types.Write(w, http.StatusInternalServerError, types.APIResponse{
					Error:   string(appErr.CodeInternal),
					Message: "An unexpected error occurred",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

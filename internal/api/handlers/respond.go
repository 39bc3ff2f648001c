package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/fastcrud/userapi/internal/api/middleware"
	"github.com/fastcrud/userapi/internal/api/types"
	"github.com/fastcrud/userapi/internal/api/validators"
	appErr "github.com/fastcrud/userapi/pkg/errors"
	"github.com/fastcrud/userapi/pkg/logger"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 1 << 20

// HandlerFunc is an http handler that reports failure by returning an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

var exposeInternal atomic.Bool

// ExposeInternalErrors controls whether 500 responses carry the error text.
// Off in production.
func ExposeInternalErrors(v bool) { exposeInternal.Store(v) }

// Wrap adapts h to http.HandlerFunc and renders any returned error as an
// envelope. It is the single place errors become responses.
func Wrap(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			WriteError(w, r, err)
		}
	}
}

// WriteError renders err using the status table and logs server errors.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := types.FromError(err, exposeInternal.Load())
	if status >= http.StatusInternalServerError {
		logger.L().Error("request failed",
			zap.String("id", middleware.GetRequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, resp)
}

// NotFound renders unknown routes with the standard envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, types.APIResponse{
		Error:   string(appErr.CodeNotFound),
		Message: "Route " + r.Method + " " + r.URL.Path + " not found",
	})
}

// MethodNotAllowed renders known routes hit with an unsupported method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, types.APIResponse{
		Error:   "MethodNotAllowed",
		Message: "Method " + r.Method + " not allowed on " + r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	types.Write(w, status, v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, validators.Errors{{Field: "body", Message: "must not exceed " + strconv.Itoa(MaxBodyBytes) + " bytes"}}
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "read request body")
	}
	return body, nil
}

// pathID parses the {id} route parameter as a positive integer.
func pathID(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, validators.Errors{{Field: "id", Message: "must be a positive integer"}}
	}
	return uint(id), nil
}

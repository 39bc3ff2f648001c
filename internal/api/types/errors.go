package types

import (
	"errors"
	"net/http"

	"github.com/fastcrud/userapi/internal/api/validators"
	appErr "github.com/fastcrud/userapi/pkg/errors"
)

const internalMessage = "An unexpected error occurred"

// FromError maps any error to its status code and envelope. Internal error
// text is only exposed when expose is set.
func FromError(err error, expose bool) (int, APIResponse) {
	var verrs validators.Errors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, APIResponse{
			Error:   string(appErr.CodeValidation),
			Message: "Request validation failed",
			Details: []validators.FieldError(verrs),
		}
	}

	if e, ok := appErr.As(err); ok {
		status := appErr.StatusFor(e.Code)
		resp := APIResponse{Error: string(e.Code), Message: e.Message}
		if status >= http.StatusInternalServerError {
			resp.Error = string(appErr.CodeInternal)
			resp.Message = internalText(err, expose)
			return status, resp
		}
		if len(e.Meta) > 0 {
			resp.Details = e.Meta
		}
		return status, resp
	}

	return http.StatusInternalServerError, APIResponse{
		Error:   string(appErr.CodeInternal),
		Message: internalText(err, expose),
	}
}

func internalText(err error, expose bool) string {
	if expose && err != nil {
		return err.Error()
	}
	return internalMessage
}

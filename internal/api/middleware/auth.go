package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/fastcrud/userapi/internal/api/types"
	appErr "github.com/fastcrud/userapi/pkg/errors"
)

type userKeyType string

const UserIDKey userKeyType = "user_id"

// TokenParser verifies a bearer token and returns the user id it names.
type TokenParser interface {
	ParseToken(token string) (uint, error)
}

// Auth validates a Bearer JWT and adds the user id to the context.
func Auth(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ah := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
				unauthorized(w, "Missing bearer token")
				return
			}
			uid, err := tokens.ParseToken(strings.TrimSpace(ah[len("Bearer "):]))
			if err != nil {
				unauthorized(w, "Invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID returns the authenticated user id, or 0.
func GetUserID(ctx context.Context) uint {
	if v, ok := ctx.Value(UserIDKey).(uint); ok {
		return v
	}
	return 0
}

func unauthorized(w http.ResponseWriter, msg string) {
	types.Write(w, http.StatusUnauthorized, types.APIResponse{Error: string(appErr.CodeUnauthorized), Message: msg})
}

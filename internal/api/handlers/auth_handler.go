package handlers

import (
	"net/http"

	"github.com/fastcrud/userapi/internal/api/middleware"
	"github.com/fastcrud/userapi/internal/api/types"
	"github.com/fastcrud/userapi/internal/api/validators"
	"github.com/fastcrud/userapi/internal/services"
	appErr "github.com/fastcrud/userapi/pkg/errors"
)

type AuthHandler struct {
	auth     services.AuthService
	users    services.UserService
	validate *validators.Validator
}

func NewAuthHandler(auth services.AuthService, users services.UserService) *AuthHandler {
	return &AuthHandler{auth: auth, users: users, validate: validators.New()}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	var req types.LoginRequest
	if err := h.validate.DecodeJSON(body, &req); err != nil {
		return err
	}

	token, user, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, types.APIResponse{
		Success: true,
		Data: types.LoginResponse{
			Token:     token.Value,
			ExpiresAt: token.ExpiresAt.Unix(),
			User:      user,
		},
	})
	return nil
}

// Me returns the user the bearer token was issued for.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) error {
	uid := middleware.GetUserID(r.Context())
	if uid == 0 {
		return appErr.New(appErr.CodeUnauthorized, "Missing bearer token")
	}
	u, err := h.users.Get(r.Context(), uid)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return appErr.Wrap(err, appErr.CodeUnauthorized, "Token user no longer exists")
		}
		return err
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: u})
	return nil
}

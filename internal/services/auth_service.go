package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fastcrud/userapi/internal/models"
	"github.com/fastcrud/userapi/internal/repository"
	appErr "github.com/fastcrud/userapi/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// TokenTTL is the lifetime of issued access tokens.
const TokenTTL = 24 * time.Hour

type AuthService interface {
	Login(ctx context.Context, email, password string) (*Token, *models.User, error)
	// ParseToken verifies a token and returns the user id it was issued for.
	ParseToken(token string) (uint, error)
}

type Token struct {
	Value     string
	ExpiresAt time.Time
}

type authService struct {
	userRepo   repository.UserRepository
	hmacSecret []byte
	now        func() time.Time
}

func NewAuthService(userRepo repository.UserRepository, secret []byte) AuthService {
	return &authService{
		userRepo:   userRepo,
		hmacSecret: secret,
		now:        time.Now,
	}
}

func (s *authService) Login(ctx context.Context, email, password string) (*Token, *models.User, error) {
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, nil, appErr.Wrap(err, appErr.CodeInternal, "find user by email")
	}
	if user == nil || user.Status != models.StatusActive {
		return nil, nil, invalidCredentials()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, invalidCredentials()
	}

	expiresAt := s.now().Add(TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(user.ID), 10),
		IssuedAt:  jwt.NewNumericDate(s.now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})

	tokenString, err := token.SignedString(s.hmacSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("sign token: %w", err)
	}

	return &Token{Value: tokenString, ExpiresAt: expiresAt}, user, nil
}

func (s *authService) ParseToken(raw string) (uint, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.hmacSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, appErr.Wrap(err, appErr.CodeUnauthorized, "Invalid or expired token")
	}
	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, appErr.New(appErr.CodeUnauthorized, "Invalid token subject")
	}
	return uint(id), nil
}

func invalidCredentials() error {
	return appErr.New(appErr.CodeUnauthorized, "Invalid email or password")
}

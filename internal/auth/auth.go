// Package auth issues and verifies the bearer tokens guarding the API.
// Passwords are bcrypt-hashed; tokens are HS256 JWTs carrying the user
// id as subject.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/crypto"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/store"
)

// ErrInvalidCredentials is returned on a failed login.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

type ctxKey int

const userIDKey ctxKey = 0

// Service handles registration, login, and token verification.
type Service struct {
	store  *store.Store
	secret []byte
	expiry time.Duration
}

// NewService builds an auth service. expiresInMin defaults to 24h when
// zero.
func NewService(st *store.Store, secret string, expiresInMin int) *Service {
	expiry := time.Duration(expiresInMin) * time.Minute
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Service{store: st, secret: []byte(secret), expiry: expiry}
}

// Register creates a user and returns it with a fresh token.
func (s *Service) Register(ctx context.Context, email, password, firstName, lastName string) (*domain.User, string, error) {
	if !domain.ValidEmail(domain.NormalizeEmail(email)) {
		return nil, "", fmt.Errorf("%w: invalid email", store.ErrValidation)
	}
	if len(password) < 8 {
		return nil, "", fmt.Errorf("%w: password must be at least 8 characters", store.ErrValidation)
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, "", err
	}
	u := &domain.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    firstName,
		LastName:     lastName,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, "", err
	}
	token, err := s.IssueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// Login verifies credentials and returns the user with a fresh token.
func (s *Service) Login(ctx context.Context, email, password string) (*domain.User, string, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if !u.IsActive || !crypto.CheckPassword(password, u.PasswordHash) {
		return nil, "", ErrInvalidCredentials
	}
	token, err := s.IssueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// IssueToken signs a JWT for the user.
func (s *Service) IssueToken(u *domain.User) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   u.ID,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyToken parses and validates a token, returning the user id.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", errors.New("auth: invalid token")
	}
	return claims.Subject, nil
}

// RequireAuth is the middleware guarding authenticated routes. The user
// id lands in the request context.
func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.Unauthorized(w, "missing bearer token")
			return
		}
		userID, err := s.VerifyToken(parts[1])
		if err != nil {
			httputil.Unauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// WithUserID stores the authenticated user id on a context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the authenticated user id, or empty.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

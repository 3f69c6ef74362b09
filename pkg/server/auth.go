package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/storage"
	"github.com/chargehelm/chargehelm/pkg/types"
)

// authMiddleware validates the bearer ID token on every API request and puts
// the resolved user into the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		if s.bypassAuth {
			user := types.User{ID: "dev", Admin: true}
			ctx = context.WithValue(ctx, userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid authorization header", http.StatusBadRequest)
			return
		}

		email, subject, err := s.authenticateToken(ctx, strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}

		user, err := s.storage.GetUser(ctx, subject)
		if err != nil {
			if errors.Is(err, storage.ErrUserNotFound) {
				log.Ctx(ctx).WarnContext(ctx, "unknown user", slog.String("subject", subject), slog.String("email", email))
				writeJSONError(w, "unknown user", http.StatusForbidden)
				return
			}
			log.Ctx(ctx).ErrorContext(ctx, "failed to fetch user", slog.Any("error", err))
			writeJSONError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		for _, admin := range s.adminEmails {
			if email == admin {
				user.Admin = true
				break
			}
		}

		ctx = log.WithUser(ctx, user.ID)
		ctx = context.WithValue(ctx, userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateToken verifies the raw ID token against the configured OIDC
// verifiers and returns the email and subject claims.
func (s *Server) authenticateToken(ctx context.Context, raw string) (string, string, error) {
	var lastErr error
	for name, verify := range s.oidcVerifiers {
		idToken, err := verify(ctx, raw)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", name, err)
			continue
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", "", fmt.Errorf("failed to parse token claims: %w", err)
		}
		return claims.Email, idToken.Subject, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no oidc verifiers configured")
	}
	return "", "", lastErr
}

func (s *Server) getUser(r *http.Request) types.User {
	if user, ok := r.Context().Value(userContextKey).(types.User); ok {
		return user
	}
	// we want to have a stack trace when this happens
	panic("no user in context")
}

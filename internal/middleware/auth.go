// Package middleware holds HTTP middleware for the keydot API.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"keydot/internal/auth"
)

// ContextKey is a custom type for context keys
type ContextKey string

const (
	// UserContextKey is the key for storing user claims in context
	UserContextKey ContextKey = "user"
)

// AuthMiddleware creates an HTTP middleware for JWT authentication. Browsers
// cannot set headers on WebSocket upgrades, so a token query parameter is
// accepted as well.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authenticator.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			tokenString, msg := bearerToken(r)
			if tokenString == "" {
				writeUnauthorized(w, msg)
				return
			}

			claims, err := authenticator.ValidateToken(tokenString)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					writeUnauthorized(w, "token has expired")
				} else {
					writeUnauthorized(w, "invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, ""
		}
		return "", "missing authorization header"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "invalid authorization header format"
	}
	return parts[1], ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": "` + msg + `"}`))
}

// GetUserFromContext retrieves user claims from the request context
func GetUserFromContext(ctx context.Context) *auth.Claims {
	claims, ok := ctx.Value(UserContextKey).(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}

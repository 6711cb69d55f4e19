/**
 * @description
 * This file contains custom middleware for the HTTP router. Middlewares are used
 * to process requests before they reach the final handler, perfect for tasks like
 * authentication, logging, or adding context to a request.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: JWT parsing and HMAC validation.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthContextKey is a custom type for context keys to avoid collisions.
type AuthContextKey string

const (
	authSubjectKey AuthContextKey = "authSubject"
	authRoleKey    AuthContextKey = "authRole"
)

// BearerAuthMiddleware creates a middleware that validates HMAC-signed JWT
// tokens issued with the shared service secret. The `sub` and `role` claims
// are placed on the request context for downstream authorization.
func BearerAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			subject, ok := claims["sub"].(string)
			if !ok || subject == "" {
				http.Error(w, "Subject not found in token", http.StatusUnauthorized)
				return
			}
			role, _ := claims["role"].(string)

			ctx := context.WithValue(r.Context(), authSubjectKey, subject)
			ctx = context.WithValue(ctx, authRoleKey, strings.ToUpper(strings.TrimSpace(role)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthSubject retrieves the authenticated subject from the request context.
func GetAuthSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(authSubjectKey).(string)
	return subject, ok
}

// GetAuthRole retrieves the authenticated role from the request context. The
// role is normalized to upper case by the auth middleware.
func GetAuthRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(authRoleKey).(string)
	return role, ok
}

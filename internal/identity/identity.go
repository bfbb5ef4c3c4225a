// Package identity adapts the external identity provider's session into the
// engine's read-only view of the current user. It accepts either a bearer
// token minted by the auth service (HS256) or, behind a trusted gateway,
// plain X-User-* headers.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the provider supplies for the current session.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
}

type ctxKey struct{}

// TokenClaims is the claim set the auth service signs.
type TokenClaims struct {
	UserID      string `json:"uid"`
	DisplayName string `json:"name"`
	Email       string `json:"email"`
	jwt.RegisteredClaims
}

// FromContext returns the identity attached by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// WithIdentity attaches an identity; exported for tests.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Middleware resolves the caller's identity and rejects requests without
// one. Resolution order: bearer token, then gateway headers.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolve(r, secret)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func resolve(r *http.Request, secret []byte) (Identity, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return fromToken(strings.TrimPrefix(auth, "Bearer "), secret)
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		return Identity{}, errors.New("missing user context")
	}
	return Identity{
		UserID:      userID,
		DisplayName: strings.TrimSpace(r.Header.Get("X-User-Name")),
		Email:       strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Email"))),
	}, nil
}

func fromToken(raw string, secret []byte) (Identity, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, errors.New("token carries no user id")
	}
	return Identity{
		UserID:      userID,
		DisplayName: claims.DisplayName,
		Email:       strings.ToLower(claims.Email),
	}, nil
}

// Package authapi defines the contract to the backend authentication service
// and helpers for working with the tokens it issues. The subsystem never
// verifies token signatures itself; that is the backend's job.
package authapi

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trustvault/internal/vault"
)

// Credentials is a primary login request.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult carries the tokens and the profile returned by the backend.
type LoginResult struct {
	Tokens  vault.TokenRecord
	Profile *vault.ProfileCache
}

// Client talks to the backend authentication service.
type Client interface {
	// Login exchanges credentials for a token pair and profile.
	Login(ctx context.Context, creds Credentials) (*LoginResult, error)
	// Refresh exchanges a refresh token for a fresh token pair.
	Refresh(ctx context.Context, refreshToken string) (*LoginResult, error)
	// Logout revokes the session server-side. Best-effort; local state is
	// cleared regardless of the result.
	Logout(ctx context.Context, accessToken string) error
}

// TokenExpiry extracts the exp claim from a JWT without verifying its
// signature. Returns false for opaque tokens and tokens without exp; callers
// then fall back to the expiry the backend reported alongside the token.
func TokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenSubject extracts the sub claim from a JWT without verifying its
// signature. Returns false for opaque tokens and tokens without sub.
func TokenSubject(token string) (string, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", false
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means neither configuration nor the keyring supplied a token
	ErrNoToken = errors.New("no API token configured")
	// ErrExpired means the token's exp claim is in the past
	ErrExpired = errors.New("API token expired")
)

// Source looks up stored secrets
type Source interface {
	Get(key string) (string, error)
}

// Claims are the identity claims the blog platform puts in its access tokens.
// The signature is verified by the server; the client only reads them.
type Claims struct {
	UserID   string `json:"userId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	jwt.RegisteredClaims
}

// User returns the userId claim, or the subject when the token has none
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// ResolveToken returns the configured token, or the one saved in src
func ResolveToken(configured string, src Source) (string, error) {
	if token := strings.TrimSpace(configured); token != "" {
		return strings.TrimPrefix(token, "Bearer "), nil
	}
	if src == nil {
		return "", ErrNoToken
	}
	token, err := src.Get(TokenKey)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// ParseClaims reads the claims from token without verifying its signature.
// A token whose exp lies before now yields ErrExpired alongside the claims.
func ParseClaims(token string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parsing token claims: %w", err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return claims, ErrExpired
	}
	return claims, nil
}

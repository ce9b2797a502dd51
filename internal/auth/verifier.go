// Package auth resolves session tokens to user identities. Verification is
// an external concern; the session core only sees the Verifier interface and
// treats every failure as "anonymous".
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrTokenUnknown = errors.New("session token unknown or expired")
	ErrEmptyToken   = errors.New("empty session token")
)

// Identity is the resolved owner of a session token.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Verifier resolves a session token. Implementations return ErrTokenUnknown
// for tokens that do not resolve; any error leaves the caller anonymous.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// VerifyOptional resolves token through v, tolerating a nil verifier and a
// blank token. It never fails hard: (nil, err) simply means anonymous.
func VerifyOptional(ctx context.Context, v Verifier, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrEmptyToken
	}
	if v == nil {
		return nil, ErrTokenUnknown
	}
	return v.Verify(ctx, token)
}

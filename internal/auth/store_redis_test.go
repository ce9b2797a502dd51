package auth

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestVerifier(t *testing.T) *RedisVerifier {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	return NewRedisVerifier(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestVerifyRoundTrip(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()

	if err := v.SaveToken(ctx, "tok-1", Identity{UserID: "u1", DisplayName: "Alice"}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	id, err := v.Verify(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u1" || id.DisplayName != "Alice" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestVerifyUnknownToken(t *testing.T) {
	v := newTestVerifier(t)
	if _, err := v.Verify(context.Background(), "missing"); !errors.Is(err, ErrTokenUnknown) {
		t.Fatalf("err = %v, want ErrTokenUnknown", err)
	}
}

func TestVerifyEmptyToken(t *testing.T) {
	v := newTestVerifier(t)
	if _, err := v.Verify(context.Background(), "  "); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("err = %v, want ErrEmptyToken", err)
	}
}

func TestVerifyOptional(t *testing.T) {
	ctx := context.Background()
	if _, err := VerifyOptional(ctx, nil, ""); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("blank token err = %v", err)
	}
	if _, err := VerifyOptional(ctx, nil, "tok"); !errors.Is(err, ErrTokenUnknown) {
		t.Fatalf("nil verifier err = %v", err)
	}

	v := newTestVerifier(t)
	if err := v.SaveToken(ctx, "tok", Identity{UserID: "u2", DisplayName: "Bob"}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	id, err := VerifyOptional(ctx, v, " tok ")
	if err != nil {
		t.Fatalf("VerifyOptional: %v", err)
	}
	if id.UserID != "u2" {
		t.Fatalf("identity = %+v", id)
	}
}

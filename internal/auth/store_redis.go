package auth

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const ttlToken = 24 * time.Hour

// RedisVerifier resolves tokens against identities stored as JSON blobs in
// Redis. The credential issuer writes them; this side only reads.
type RedisVerifier struct {
	rdb *redis.Client
}

func NewRedisVerifier(rdb *redis.Client) *RedisVerifier {
	return &RedisVerifier{rdb: rdb}
}

func keyToken(token string) string { return "auth:token:" + strings.TrimSpace(token) }

func (v *RedisVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrEmptyToken
	}
	raw, err := v.rdb.Get(ctx, keyToken(token)).Bytes()
	if err == redis.Nil {
		return nil, ErrTokenUnknown
	}
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id.UserID) == "" {
		return nil, ErrTokenUnknown
	}
	return &id, nil
}

// SaveToken registers an identity under token. Exposed for the credential
// issuer and for seeding test fixtures; the TTL matches the issuer's session
// lifetime.
func (v *RedisVerifier) SaveToken(ctx context.Context, token string, id Identity) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	raw, err := json.Marshal(&id)
	if err != nil {
		return err
	}
	return v.rdb.Set(ctx, keyToken(token), raw, ttlToken).Err()
}

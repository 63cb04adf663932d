package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type TokenPayload struct {
	UserID    int64  `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// ParseToken decrypts the Java-compatible token and returns its payload.
func ParseToken(token, secret string) (*TokenPayload, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	plain, err := Decrypt(token, secret)
	if err != nil {
		return nil, err
	}
	var p TokenPayload
	if err := json.Unmarshal([]byte(plain), &p); err != nil {
		return nil, err
	}
	if p.UserID <= 0 || p.Timestamp == "" {
		return nil, errors.New("invalid token payload")
	}
	return &p, nil
}

// SessionVerifier accepts the legacy AES token, and only while its session
// key exists in Redis (Java TokenServiceImpl.convert(): EXISTS prefix+token).
type SessionVerifier struct {
	rdb       redis.UniversalClient
	prefix    string
	secret    string
	opTimeout time.Duration
}

func NewSessionVerifier(rdb redis.UniversalClient, redisPrefix, secret string) *SessionVerifier {
	return &SessionVerifier{rdb: rdb, prefix: redisPrefix, secret: secret, opTimeout: 2 * time.Second}
}

// Verify returns a bare error, not ErrInvalidToken, when Redis itself fails.
func (v *SessionVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	p, err := ParseToken(token, v.secret)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	ctx, cancel := context.WithTimeout(ctx, v.opTimeout)
	defer cancel()
	n, err := v.rdb.Exists(ctx, v.prefix+token).Result()
	if err != nil {
		return Identity{}, fmt.Errorf("auth: session lookup: %w", err)
	}
	if n == 0 {
		return Identity{}, fmt.Errorf("%w: session expired", ErrInvalidToken)
	}
	return Identity{UserID: strconv.FormatInt(p.UserID, 10)}, nil
}

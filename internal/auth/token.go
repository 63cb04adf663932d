package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidToken covers every reason a bearer token is refused. The reason
// is wrapped for logs; clients only ever see UNAUTHENTICATED.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is what a verified token asserts.
type Identity struct {
	UserID string
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// TokenLookup names where a token may travel on the upgrade request.
type TokenLookup struct {
	QueryKey     string
	Header       string
	BearerPrefix string
	CookieName   string
}

// ExtractToken returns the first token found, in order: query parameter,
// header (Bearer prefix stripped), cookie.
func ExtractToken(r *http.Request, l TokenLookup) string {
	if l.QueryKey != "" {
		if q := strings.TrimSpace(r.URL.Query().Get(l.QueryKey)); q != "" {
			return q
		}
	}
	if l.Header != "" {
		v := strings.TrimSpace(r.Header.Get(l.Header))
		if v != "" {
			if l.BearerPrefix != "" && strings.HasPrefix(v, l.BearerPrefix) {
				v = strings.TrimSpace(strings.TrimPrefix(v, l.BearerPrefix))
			}
			if v != "" {
				return v
			}
		}
	}
	if l.CookieName != "" {
		if c, err := r.Cookie(l.CookieName); err == nil {
			if v := strings.TrimSpace(c.Value); v != "" {
				return v
			}
		}
	}
	return ""
}

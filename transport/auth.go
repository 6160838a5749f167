package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenSource produces the bearer token to present on each request. A
// static token is used verbatim; a signing key instead mints short-lived
// HS256 JWTs so a leaked request log doesn't carry a long-lived credential.
type tokenSource struct {
	mu sync.Mutex

	static     string
	signingKey []byte
	subject    string
	ttl        time.Duration

	cached    string
	expiresAt time.Time
}

func newTokenSource(opts Options) *tokenSource {
	var ttl = opts.TokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &tokenSource{
		static:     opts.AuthToken,
		signingKey: opts.SigningKey,
		subject:    opts.Subject,
		ttl:        ttl,
	}
}

func (t *tokenSource) token() (string, error) {
	if len(t.signingKey) == 0 {
		return t.static, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cached != "" && time.Now().Before(t.expiresAt) {
		return t.cached, nil
	}

	var now = time.Now()
	var expiresAt = now.Add(t.ttl)
	var claims = jwt.RegisteredClaims{
		Subject:   t.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	var signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.signingKey)
	if err != nil {
		return "", fmt.Errorf("signing follower auth token: %w", err)
	}
	// Refresh a little before actual expiry so a request in flight never
	// straddles the boundary.
	t.cached, t.expiresAt = signed, expiresAt.Add(-10*time.Second)
	return t.cached, nil
}

package transport

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokenSourceStaticTokenPassesThrough(t *testing.T) {
	var ts = newTokenSource(Options{AuthToken: "fixed"})
	tok, err := ts.token()
	require.NoError(t, err)
	require.Equal(t, "fixed", tok)
}

func TestTokenSourceSignsAndCachesJWT(t *testing.T) {
	var key = []byte("test-signing-key")
	var ts = newTokenSource(Options{SigningKey: key, Subject: "follower-1", TokenTTL: time.Minute})

	tok1, err := ts.token()
	require.NoError(t, err)
	require.NotEmpty(t, tok1)

	parsed, err := jwt.ParseWithClaims(tok1, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return key, nil
	})
	require.NoError(t, err)
	var claims = parsed.Claims.(*jwt.RegisteredClaims)
	require.Equal(t, "follower-1", claims.Subject)

	tok2, err := ts.token()
	require.NoError(t, err)
	require.Equal(t, tok1, tok2, "unexpired token should be cached rather than re-signed")
}

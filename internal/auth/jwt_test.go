package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCfg = Config{Secret: "test-secret", Issuer: "physiosync"}

func TestIssueAndParse_RoundTrip(t *testing.T) {
	tok, err := Issue(testCfg, "owner-1", []string{ScopeWrite, "records:read"}, time.Hour)
	require.NoError(t, err)

	claims, err := Parse(tok, testCfg)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", claims.Subject)
	assert.True(t, claims.HasScope(ScopeWrite))
	assert.True(t, claims.HasScope("records:read"))
	assert.False(t, claims.HasScope("admin"))
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestIssue_RequiresSecretAndSubject(t *testing.T) {
	_, err := Issue(Config{}, "owner-1", nil, time.Hour)
	assert.Error(t, err)
	_, err = Issue(testCfg, " ", nil, time.Hour)
	assert.Error(t, err)
}

func TestParse_Rejections(t *testing.T) {
	valid, err := Issue(testCfg, "owner-1", nil, time.Hour)
	require.NoError(t, err)
	expired, err := Issue(testCfg, "owner-1", nil, -time.Minute)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "owner-1"}).
		SignedString([]byte(testCfg.Secret))
	require.NoError(t, err)
	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}).
		SignedString([]byte(testCfg.Secret))
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "owner-1", "exp": time.Now().Add(time.Hour).Unix()}).
		SignedString([]byte(testCfg.Secret))
	require.NoError(t, err)

	cases := map[string]struct {
		token string
		cfg   Config
	}{
		"wrong secret": {valid, Config{Secret: "other", Issuer: testCfg.Issuer}},
		"wrong issuer": {valid, Config{Secret: testCfg.Secret, Issuer: "someone-else"}},
		"expired":      {expired, testCfg},
		"no expiry":    {noExp, testCfg},
		"no subject":   {noSub, Config{Secret: testCfg.Secret}},
		"other alg":    {hs512, Config{Secret: testCfg.Secret}},
		"garbage":      {"not.a.jwt", testCfg},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(tc.token, tc.cfg)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}

	_, err = Parse("  ", testCfg)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	tok, err = BearerToken("  bearer   xyz  ")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	_, err = BearerToken("")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = BearerToken("Basic dXNlcjpwYXNz")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = BearerToken("Bearer ")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNormalizeScopes(t *testing.T) {
	got := normalizeScopes([]interface{}{"a", "", 3, "b"})
	assert.Len(t, got, 2)
	assert.Contains(t, got, "a")
	assert.Empty(t, normalizeScopes(nil))

	var c *Claims
	assert.False(t, c.HasScope(ScopeWrite))
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newJWKSValidator spins up a TLS JWKS endpoint serving the given public key
// and returns a Validator pointed at it plus the signing key.
func newJWKSValidator(t *testing.T) (*Validator, *rsa.PrivateKey, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&privateKey.PublicKey)
	require.NoError(t, err)
	_ = key.Set(jwk.KeyIDKey, "test-kid")
	_ = key.Set(jwk.AlgorithmKey, "RS256")
	_ = key.Set(jwk.KeyUsageKey, "sig")

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/jwks.json" {
			buf, _ := json.Marshal(map[string]interface{}{
				"keys": []interface{}{key},
			})
			_, _ = w.Write(buf)
		}
	}))
	t.Cleanup(server.Close)

	u, _ := url.Parse(server.URL)
	domain := u.Host

	v, err := NewValidator(context.Background(), domain, "test-audience", jwk.WithHTTPClient(server.Client()))
	require.NoError(t, err)

	return v, privateKey, domain
}

func TestValidator_ValidToken(t *testing.T) {
	v, privateKey, domain := newJWKSValidator(t)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": "test-audience",
		"iss": "https://" + domain + "/",
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "test-kid"

	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	claims, err := v.ValidateToken(signed)
	assert.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

// A token signed with HS256 using the public key bytes as the HMAC secret must
// be rejected regardless of what the key lookup returns.
func TestValidator_AlgorithmConfusion(t *testing.T) {
	v, privateKey, domain := newJWKSValidator(t)

	token := jwt.New(jwt.SigningMethodHS256)
	token.Header["kid"] = "test-kid"
	token.Claims = jwt.MapClaims{
		"aud": "test-audience",
		"iss": "https://" + domain + "/",
		"sub": "attacker",
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	pubBytes := privateKey.PublicKey.N.Bytes()
	signed, err := token.SignedString(pubBytes)
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err, "HS256 token must be rejected")
}

func TestValidator_WrongAudience(t *testing.T) {
	v, privateKey, domain := newJWKSValidator(t)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": "other-audience",
		"iss": "https://" + domain + "/",
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "test-kid"

	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidator_ExpiredToken(t *testing.T) {
	v, privateKey, domain := newJWKSValidator(t)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": "test-audience",
		"iss": "https://" + domain + "/",
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	token.Header["kid"] = "test-kid"

	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}

package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"

	"interbank/pkg/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustodianMissingKey(t *testing.T) {
	c := NewCustodian(filepath.Join(t.TempDir(), "absent.pem"))

	_, err := c.LoadSigningKey()
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.KeyUnavailable)

	_, err = c.LoadVerificationKey()
	assert.ErrorIs(t, err, fault.KeyUnavailable)

	_, err = NewCustodian("").LoadSigningKey()
	assert.ErrorIs(t, err, fault.KeyUnavailable)
}

func TestGenerateAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.pem")

	generated, err := Generate(path, 1024, false)
	require.NoError(t, err)

	_, err = Generate(path, 1024, false)
	assert.Error(t, err, "existing key must not be overwritten")

	c := NewCustodian(path)
	priv, err := c.LoadSigningKey()
	require.NoError(t, err)
	assert.True(t, generated.Equal(priv))

	pub, err := c.LoadVerificationKey()
	require.NoError(t, err)
	assert.True(t, generated.PublicKey.Equal(pub))

	kid, err := c.KeyID()
	require.NoError(t, err)
	assert.NotEmpty(t, kid)
}

func TestJWKSRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	c := NewCustodianFromKey(key)
	set, err := c.JWKS()
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)

	jwk := set.Keys[0]
	assert.Equal(t, "RSA", jwk.Kty)
	assert.Equal(t, "sig", jwk.Use)
	assert.Equal(t, "RS256", jwk.Alg)

	ks, err := ParseKeySet(set)
	require.NoError(t, err)
	assert.Equal(t, 1, ks.Len())

	pub, ok := ks.Lookup(jwk.Kid)
	require.True(t, ok)
	assert.True(t, key.PublicKey.Equal(pub))

	_, ok = ks.Lookup("other-kid")
	assert.False(t, ok)

	pub, ok = ks.Lookup("")
	require.True(t, ok)
	assert.True(t, key.PublicKey.Equal(pub))
}

func TestParseKeySetRejectsUnusable(t *testing.T) {
	_, err := ParseKeySet(&JWKS{Keys: []JWK{{Kty: "EC", N: "x", E: "y"}}})
	assert.Error(t, err)

	_, err = ParseKeySet(&JWKS{})
	assert.Error(t, err)

	_, err = ParseKeySet(nil)
	assert.Error(t, err)
}

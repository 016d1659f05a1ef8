package keys

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// JWK is the RSA subset of RFC 7517 that banks exchange.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicJWK encodes pub for publication.
func PublicJWK(pub *rsa.PublicKey, kid string) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// RSAPublicKey decodes the modulus and exponent.
func (k JWK) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	n, err := decodeBigInt(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	e, err := decodeBigInt(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// some registries pad base64url values
func decodeBigInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("empty value")
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
	}
	return new(big.Int).SetBytes(raw), nil
}

// KeySet is a decoded JWKS, ready for signature verification.
type KeySet struct {
	keys []rsaKey
}

type rsaKey struct {
	kid string
	pub *rsa.PublicKey
}

// ParseKeySet decodes every usable signing key of set. Keys that fail to
// decode are skipped; a set without any usable key is an error.
func ParseKeySet(set *JWKS) (*KeySet, error) {
	if set == nil {
		return nil, errors.New("no key set")
	}
	ks := &KeySet{}
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.RSAPublicKey()
		if err != nil {
			continue
		}
		ks.keys = append(ks.keys, rsaKey{kid: k.Kid, pub: pub})
	}
	if len(ks.keys) == 0 {
		return nil, errors.New("key set holds no usable RSA signing key")
	}
	return ks, nil
}

// Lookup returns the key with the given id. An empty kid selects the first key.
func (ks *KeySet) Lookup(kid string) (*rsa.PublicKey, bool) {
	if ks == nil || len(ks.keys) == 0 {
		return nil, false
	}
	if kid == "" {
		return ks.keys[0].pub, true
	}
	for _, k := range ks.keys {
		if k.kid == kid {
			return k.pub, true
		}
	}
	return nil, false
}

func (ks *KeySet) Len() int {
	if ks == nil {
		return 0
	}
	return len(ks.keys)
}

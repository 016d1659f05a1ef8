// Package keys holds this bank's RSA signing keypair and the JWK encoding
// used to publish and consume verification keys.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"interbank/pkg/fault"
)

// DefaultKeyBits is the modulus size used by Generate.
const DefaultKeyBits = 2048

// Custodian loads the signing key from disk on first use and hands out the
// private and public halves. It is safe for concurrent use.
type Custodian struct {
	path string

	once sync.Once
	key  *rsa.PrivateKey
	kid  string
	err  error
}

// NewCustodian returns a custodian reading a PEM encoded key from path.
func NewCustodian(path string) *Custodian {
	return &Custodian{path: path}
}

// NewCustodianFromKey wraps an in-memory key.
func NewCustodianFromKey(key *rsa.PrivateKey) *Custodian {
	c := &Custodian{}
	c.once.Do(func() {
		c.key = key
		c.kid, c.err = KeyID(&key.PublicKey)
	})
	return c
}

func (c *Custodian) load() {
	c.once.Do(func() {
		if c.path == "" {
			c.err = fault.New(fault.KeyUnavailable, "no signing key path configured")
			return
		}
		key, err := LoadPrivateKey(c.path)
		if err != nil {
			c.err = fault.Wrap(fault.KeyUnavailable, err, "signing key not loadable")
			return
		}
		c.key = key
		c.kid, c.err = KeyID(&key.PublicKey)
	})
}

// LoadSigningKey returns the private key or a KeyUnavailable error.
func (c *Custodian) LoadSigningKey() (*rsa.PrivateKey, error) {
	c.load()
	if c.err != nil {
		return nil, c.err
	}
	return c.key, nil
}

// LoadVerificationKey returns the public half of the signing key.
func (c *Custodian) LoadVerificationKey() (*rsa.PublicKey, error) {
	key, err := c.LoadSigningKey()
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}

// KeyID returns the identifier published alongside the verification key.
func (c *Custodian) KeyID() (string, error) {
	c.load()
	return c.kid, c.err
}

// JWKS returns the key set served at /.well-known/jwks.json.
func (c *Custodian) JWKS() (*JWKS, error) {
	pub, err := c.LoadVerificationKey()
	if err != nil {
		return nil, err
	}
	return &JWKS{Keys: []JWK{PublicJWK(pub, c.kid)}}, nil
}

// Generate creates a new keypair and writes it to path. It refuses to
// overwrite an existing key unless force is set.
func Generate(path string, bits int, force bool) (*rsa.PrivateKey, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("key file %s already exists", path)
		}
	}
	if bits == 0 {
		bits = DefaultKeyBits
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	if err := SavePrivateKey(key, path); err != nil {
		return nil, err
	}
	return key, nil
}

// SavePrivateKey writes key as a PKCS8 PEM block readable only by the owner.
func SavePrivateKey(key *rsa.PrivateKey, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	keyFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := pem.Encode(keyFile, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// LoadPrivateKey reads a PKCS8 or PKCS1 encoded RSA key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to parse key PEM")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return key, nil
	default:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return key, nil
	}
}

// KeyID derives a stable identifier from the SHA-256 of the public key.
func KeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:12]), nil
}

// Package token builds and checks the signed transaction tokens exchanged
// between banks. Tokens are RS256 JWTs valid for five minutes.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"interbank/pkg/fault"
	"interbank/pkg/types"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

// Lifetime is the validity window of an issued token.
const Lifetime = 5 * time.Minute

// Payload is the transfer a token asserts.
type Payload struct {
	FromAccount    string          `json:"fromAccount"`
	ToAccount      string          `json:"toAccount"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Description    string          `json:"description,omitempty"`
	Reference      types.Reference `json:"reference"`
	Timestamp      time.Time       `json:"timestamp"`
	SourceBank     string          `json:"sourceBank"`
	SourceBankName string          `json:"sourceBankName,omitempty"`
}

// Claims is the full JWT body.
type Claims struct {
	Payload
	jwt.RegisteredClaims
}

// Header is the unauthenticated part of a token used to pick a key.
type Header struct {
	Issuer string
	KeyID  string
}

// Signer returns the key material used by Encode.
type Signer interface {
	LoadSigningKey() (*rsa.PrivateKey, error)
	KeyID() (string, error)
}

type Codec struct {
	signer Signer
	now    func() time.Time
}

// NewCodec returns a codec. signer may be nil for verify-only use.
func NewCodec(signer Signer) *Codec {
	return &Codec{signer: signer, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Encode signs payload as issuer ownID.
func (c *Codec) Encode(payload Payload, ownID types.BankID) (string, error) {
	if c.signer == nil {
		return "", fault.New(fault.KeyUnavailable, "codec has no signer")
	}
	key, err := c.signer.LoadSigningKey()
	if err != nil {
		return "", err
	}
	kid, err := c.signer.KeyID()
	if err != nil {
		return "", err
	}

	now := c.now()
	if payload.Timestamp.IsZero() {
		payload.Timestamp = now.UTC()
	}
	claims := Claims{
		Payload: payload,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    string(ownID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(Lifetime)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// PeekIssuer reads the issuer and key id without verifying anything. The
// result is untrusted until Verify succeeds.
func (c *Codec) PeekIssuer(token string) (Header, error) {
	claims := &Claims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return Header{}, fault.Wrap(fault.SignatureInvalid, err, "malformed token")
	}
	h := Header{Issuer: claims.Issuer}
	if kid, ok := parsed.Header["kid"].(string); ok {
		h.KeyID = kid
	}
	return h, nil
}

// Verify checks expiry, issuer and signature, in that order, and returns the
// claims only when all three pass.
func (c *Codec) Verify(token string, expectedIssuer types.BankID, issuerKey *rsa.PublicKey) (*Claims, error) {
	unverified := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, unverified); err != nil {
		return nil, fault.Wrap(fault.SignatureInvalid, err, "malformed token")
	}

	if unverified.ExpiresAt == nil || c.now().After(unverified.ExpiresAt.Time) {
		return nil, fault.New(fault.TokenExpired, "token expired or carries no expiry")
	}

	if expectedIssuer == "" || unverified.Issuer != string(expectedIssuer) {
		return nil, fault.New(fault.IssuerMismatch, "token issued by %q, expected %q", unverified.Issuer, expectedIssuer)
	}

	if issuerKey == nil {
		return nil, fault.New(fault.SignatureInvalid, "no verification key")
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return issuerKey, nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.SignatureInvalid, err, "signature check failed")
	}

	if err := claims.Payload.validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidTransaction, err, "token payload")
	}
	return claims, nil
}

// Signature returns the third segment of a compact JWT.
func Signature(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}

func (p Payload) validate() error {
	switch {
	case p.Reference == "":
		return errors.New("missing reference")
	case p.FromAccount == "" || p.ToAccount == "":
		return errors.New("missing account")
	case !types.ValidAmount(p.Amount):
		return fmt.Errorf("amount must be positive with at most %d decimal places", types.AmountScale)
	case len(p.Currency) != 3:
		return errors.New("currency must be an ISO 4217 code")
	}
	return nil
}

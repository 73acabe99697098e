// Package identity manages the token signing key pair, bearer token
// issuance and verification, and the revocation contract.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet holds the process signing key pair. The private key is read-only
// after startup; tokens signed by it verify against the published JWKS.
type KeySet struct {
	private *rsa.PrivateKey
	kid     string
}

// LoadOrGenerateKeySet loads an RSA private key from PEM, or generates a
// fresh RSA-2048 pair for the process lifetime when pemData is empty. In
// the generated case the private PEM is emitted once to the operator log
// with a warning: all tokens are invalidated on restart.
func LoadOrGenerateKeySet(pemData string) (*KeySet, error) {
	if pemData != "" {
		key, err := parsePrivateKeyPEM([]byte(pemData))
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		ks := &KeySet{private: key, kid: fingerprint(key)}
		slog.Info("JWT signing key loaded from configuration", "kid", ks.kid)
		return ks, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	ks := &KeySet{private: key, kid: fingerprint(key)}
	slog.Warn("JWT_PRIVATE_KEY not set: generated an ephemeral RSA-2048 key pair; "+
		"all tokens will be invalidated on restart. Persist the key below to keep tokens valid.",
		"kid", ks.kid, "private_key_pem", ks.PrivatePEM())
	return ks, nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key must be RSA, got %T", parsed)
	}
	return key, nil
}

// fingerprint derives a stable key id from the public modulus.
func fingerprint(key *rsa.PrivateKey) string {
	sum := sha256.Sum256(key.PublicKey.N.Bytes())
	return hex.EncodeToString(sum[:8])
}

// Sign signs claims with RS256, stamping the key id into the header.
func (ks *KeySet) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = ks.kid
	return token.SignedString(ks.private)
}

// KeyFunc returns the verification key, rejecting any non-RS256 token.
func (ks *KeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &ks.private.PublicKey, nil
	}
}

// KID returns the key identifier published in the JWKS.
func (ks *KeySet) KID() string { return ks.kid }

// PrivatePEM returns the private key in PKCS#1 PEM form.
func (ks *KeySet) PrivatePEM() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(ks.private),
	}))
}

// JWKS returns the verification key set published at /.well-known/jwks.json.
func (ks *KeySet) JWKS() map[string]any {
	pub := ks.private.PublicKey
	return map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": ks.kid,
			"n":   b64BigInt(pub.N),
			"e":   b64BigInt(big.NewInt(int64(pub.E))),
		}},
	}
}

func b64BigInt(n *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(n.Bytes())
}

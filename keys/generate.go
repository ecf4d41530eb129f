package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultKeyBits is the RSA modulus size used when Config.KeyBits is zero.
const DefaultKeyBits = 2048

// Generate creates a new RS256 key pair with a time-ordered id.
func Generate(bits int, now time.Time) (*SigningKeyPair, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < 2048 {
		return nil, errors.New("rsa key size must be at least 2048 bits")
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}

	return &SigningKeyPair{
		ID:         id.String(),
		Algorithm:  AlgorithmRS256,
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		CreatedAt:  now,
		Status:     StatusActive,
	}, nil
}

// EncodePrivateKeyPEM serialises the private key as PKCS#8 PEM.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM serialises the public key as PKIX PEM.
func EncodePublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM accepts PKCS#1 or PKCS#8 RSA private keys.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	key, err := jwtv5.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse rsa private key: %w", err)
	}
	return key, nil
}

// ParsePublicKeyPEM accepts PKIX or PKCS#1 RSA public keys and certificates.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	key, err := jwtv5.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse rsa public key: %w", err)
	}
	return key, nil
}

// StaticKeyPair builds the fallback pair used when the store is unreachable
// or holds no active key. The pair is reported as active but is never
// persisted.
func StaticKeyPair(id string, privatePEM []byte) (*SigningKeyPair, error) {
	if id == "" {
		return nil, errors.New("static key requires an id")
	}
	priv, err := ParsePrivateKeyPEM(privatePEM)
	if err != nil {
		return nil, err
	}
	if priv.N.BitLen() < 2048 {
		return nil, errors.New("static key must be at least 2048 bits")
	}
	return &SigningKeyPair{
		ID:         id,
		Algorithm:  AlgorithmRS256,
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		Status:     StatusActive,
	}, nil
}

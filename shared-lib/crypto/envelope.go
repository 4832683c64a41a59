package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Telemetry envelopes are RSA-OAEP with SHA-256 for both the label hash and MGF1, carried as
// standard base64 text on the broker.

var (
	// ErrMalformedEnvelope is returned when a sealed payload is not valid base64.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrPlaintextTooLarge is returned when a plaintext does not fit a single OAEP block.
	ErrPlaintextTooLarge = errors.New("plaintext too large for key")
)

// MaxPlaintextSize returns the largest plaintext that can be sealed for pub.
func MaxPlaintextSize(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// Encrypt encrypts plaintext for pub.
func Encrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("public key cannot be nil")
	}
	if limit := MaxPlaintextSize(pub); len(plaintext) > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPlaintextTooLarge, len(plaintext), limit)
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return ciphertext, nil
}

// Decrypt decrypts ciphertext with priv.
func Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("private key cannot be nil")
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

// Seal encrypts plaintext for pub and returns the base64 text published on the broker.
func Seal(pub *rsa.PublicKey, plaintext []byte) (string, error) {
	ciphertext, err := Encrypt(pub, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Unwrap decodes the base64 text of a sealed payload into ciphertext.
func Unwrap(sealed string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return ciphertext, nil
}

// Open decodes and decrypts a sealed payload with priv.
func Open(priv *rsa.PrivateKey, sealed string) ([]byte, error) {
	ciphertext, err := Unwrap(sealed)
	if err != nil {
		return nil, err
	}
	return Decrypt(priv, ciphertext)
}

package crypto

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

// ComputeKeyID derives a deterministic key identifier from a public key: the SHA-256 hex
// thumbprint of its PKIX DER encoding. Key ids are safe to log, key material is not.
func ComputeKeyID(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// ShortKeyID returns the first 12 characters of a key id, enough to tell generations apart in
// logs.
func ShortKeyID(pub crypto.PublicKey) string {
	id, err := ComputeKeyID(pub)
	if err != nil {
		return "unknown"
	}
	return id[:12]
}

// Package pki implements a minimal certificate authority for device identities: it issues
// short-lived X.509 certificates with fresh RSA key pairs, publishes each public key to a
// content-addressed store and keeps the latest bundle per device on disk.
package pki

import (
	"errors"
)

var (
	// ErrNotFound is returned when a device has no issued key or no published record.
	ErrNotFound = errors.New("no key material for device")
	// ErrPublish is returned when the public key could not be pinned to the content store.
	ErrPublish = errors.New("failed to publish public key")
	// ErrSign is returned when key generation or certificate signing fails.
	ErrSign = errors.New("failed to sign certificate")
	// ErrInvalidDeviceID is returned for device ids that cannot name a directory or path segment.
	ErrInvalidDeviceID = errors.New("invalid device id")
)

// DeviceIDAttribute is the pin attribute carrying the owning device id.
const DeviceIDAttribute = "deviceId"

// IssuedBundle is the material returned by a successful issuance. All fields are PEM text except
// ContentAddress.
type IssuedBundle struct {
	CertificatePEM   string
	PrivateKeyPEM    string
	PublicKeyPEM     string
	CACertificatePEM string
	ContentAddress   string
}

// PublicKeyRecord is the current public key of a device and where it is published.
type PublicKeyRecord struct {
	PublicKeyPEM   string
	ContentAddress string
}

// PublishedKey is the document pinned to the content store for every issued key.
type PublishedKey struct {
	DeviceID  string `json:"deviceId"`
	PublicKey string `json:"publicKey"`
}

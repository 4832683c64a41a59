// Package contentstore provides a content-addressed object store with pin metadata, modelled on
// IPFS pinning services: JSON documents are pinned with queryable key/value attributes, listed by
// attribute (most recent first) and fetched back by their address.
//
// Addresses are digests of the exact pinned bytes ("sha256:<hex>"). Pinning the same document
// twice yields the same address.
package contentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

var (
	// ErrNotFound is returned when no object exists for an address.
	ErrNotFound = errors.New("content not found")
	// ErrDigestMismatch is returned when fetched bytes do not hash to their address.
	ErrDigestMismatch = errors.New("content digest mismatch")
)

// Pin describes a pinned object.
type Pin struct {
	Address   string            `json:"address"`
	Name      string            `json:"name,omitempty"`
	KeyValues map[string]string `json:"keyvalues,omitempty"`
	Size      int64             `json:"size"`
	PinnedAt  time.Time         `json:"pinnedAt"`
}

// PinOptions carries the metadata attached to a pin.
type PinOptions struct {
	Name      string
	KeyValues map[string]string
}

// Filter selects pins whose attribute Key equals Value. An empty Key matches every pin.
type Filter struct {
	Key   string
	Value string
}

func (f Filter) matches(p Pin) bool {
	if f.Key == "" {
		return true
	}
	v, ok := p.KeyValues[f.Key]
	return ok && v == f.Value
}

// Fetcher retrieves objects by address.
type Fetcher interface {
	Fetch(ctx context.Context, address string) ([]byte, error)
}

// Store pins, lists and fetches objects.
type Store interface {
	Fetcher
	PinJSON(ctx context.Context, doc any, opts PinOptions) (*Pin, error)
	Unpin(ctx context.Context, address string) error
	List(ctx context.Context, filter Filter) ([]Pin, error)
}

// AddressOf returns the content address of data.
func AddressOf(data []byte) (string, error) {
	h, _, err := v1.SHA256(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return h.String(), nil
}

// VerifyAddress checks that data hashes to address.
func VerifyAddress(address string, data []byte) error {
	want, err := v1.NewHash(address)
	if err != nil {
		return fmt.Errorf("invalid content address %q: %w", address, err)
	}
	got, _, err := v1.SHA256(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to hash content: %w", err)
	}
	if got != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, want, got)
	}
	return nil
}

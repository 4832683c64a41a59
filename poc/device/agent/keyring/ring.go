// Package keyring holds the receiver's decryption keys: the current private key and the one it
// replaced, so payloads sealed just before a rotation still open.
package keyring

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/margo/sealed-telemetry/shared-lib/crypto"
)

var (
	// ErrNoKey is returned by Open before any key was installed.
	ErrNoKey = errors.New("no decryption key installed")
	// ErrUndecryptable is returned when neither the current nor the previous key opens a payload.
	ErrUndecryptable = errors.New("payload does not open with the current or previous key")
)

// Bundle is an immutable snapshot of the installed keys. Previous is exactly the key that was
// Current before the last install.
type Bundle struct {
	Current    *rsa.PrivateKey
	Previous   *rsa.PrivateKey
	Generation uint64
}

// Ring publishes Bundles to concurrent readers. Installs are serialised; readers never lock and
// always observe a complete Bundle.
type Ring struct {
	mu     sync.Mutex
	bundle atomic.Pointer[Bundle]
}

func NewRing() *Ring {
	return &Ring{}
}

// Snapshot returns the installed Bundle, or nil before the first install.
func (r *Ring) Snapshot() *Bundle {
	return r.bundle.Load()
}

// Install makes key the current key and shifts the old current key to previous. Installing a key
// equal to the current one does nothing and returns false, so duplicate change notifications do
// not collapse the overlap window.
func (r *Ring) Install(key *rsa.PrivateKey) (*Bundle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.bundle.Load()
	if old != nil && old.Current.Equal(key) {
		return old, false
	}

	next := &Bundle{Current: key, Generation: 1}
	if old != nil {
		next.Previous = old.Current
		next.Generation = old.Generation + 1
	}
	r.bundle.Store(next)
	return next, true
}

// Open decrypts a sealed payload with the current key and falls back to the previous key. Both
// attempts use the same snapshot. usedPrevious reports whether the fallback was needed.
func (r *Ring) Open(sealed string) (plaintext []byte, usedPrevious bool, err error) {
	b := r.bundle.Load()
	if b == nil {
		return nil, false, ErrNoKey
	}

	plaintext, err = crypto.Open(b.Current, sealed)
	if err == nil {
		return plaintext, false, nil
	}
	if errors.Is(err, crypto.ErrMalformedEnvelope) {
		return nil, false, err
	}
	if b.Previous != nil {
		if plaintext, err := crypto.Open(b.Previous, sealed); err == nil {
			return plaintext, true, nil
		}
	}
	return nil, false, fmt.Errorf("%w (generation %d)", ErrUndecryptable, b.Generation)
}

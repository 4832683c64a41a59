// Package discovery tracks the receiver's current public key. It polls the certificate authority
// for the content address of the key and fetches the key only when the address changes.
package discovery

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/poc/device/agent/types"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	"github.com/margo/sealed-telemetry/shared-lib/contentstore"
	"github.com/margo/sealed-telemetry/shared-lib/crypto"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

// DefaultInterval is the poll interval.
const DefaultInterval = 3 * time.Second

// ErrNoKey is returned by Seal before any key was discovered.
var ErrNoKey = errors.New("no public key discovered yet")

// Lookup returns the current public key record of a device.
type Lookup interface {
	PublicKey(ctx context.Context, deviceID string) (*pki.PublicKeyRecord, error)
}

type discovered struct {
	address string
	key     *rsa.PublicKey
}

// Watcher holds the most recently discovered key of one device.
type Watcher struct {
	deviceID string
	lookup   Lookup
	fetcher  contentstore.Fetcher
	interval time.Duration
	onChange func(address string)
	log      *zap.SugaredLogger

	pollMu  sync.Mutex
	current atomic.Pointer[discovered]
}

type Option func(*Watcher)

func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// WithChangeHook registers a callback run with the new address after every key change.
func WithChangeHook(fn func(address string)) Option {
	return func(w *Watcher) { w.onChange = fn }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(w *Watcher) { w.log = log }
}

func NewWatcher(deviceID string, lookup Lookup, fetcher contentstore.Fetcher, opts ...Option) *Watcher {
	w := &Watcher{
		deviceID: deviceID,
		lookup:   lookup,
		fetcher:  fetcher,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = logging.OrNop(w.log).With("deviceId", deviceID)
	return w
}

// Poll looks up the current address and fetches the key if the address changed. On any failure
// the previously discovered key stays in effect.
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	record, err := w.lookup.PublicKey(ctx, w.deviceID)
	if err != nil {
		return false, types.DiscoveryError(types.OperationLookingUpKey, err)
	}

	if prev := w.current.Load(); prev != nil && prev.address == record.ContentAddress {
		return false, nil
	}

	data, err := w.fetcher.Fetch(ctx, record.ContentAddress)
	if err != nil {
		return false, types.DiscoveryError(types.OperationFetchingKey, err).WithContext("address", record.ContentAddress)
	}
	key, err := ParsePublishedKey(data)
	if err != nil {
		return false, types.DiscoveryError(types.OperationFetchingKey, err).WithContext("address", record.ContentAddress)
	}

	w.current.Store(&discovered{address: record.ContentAddress, key: key})
	w.log.Infow("Discovered new public key",
		"address", record.ContentAddress,
		"keyId", crypto.ShortKeyID(key))
	if w.onChange != nil {
		w.onChange(record.ContentAddress)
	}
	return true, nil
}

// Current returns the discovered key and its address.
func (w *Watcher) Current() (*rsa.PublicKey, string, bool) {
	d := w.current.Load()
	if d == nil {
		return nil, "", false
	}
	return d.key, d.address, true
}

// Seal encrypts plaintext under the discovered key and returns the base64 envelope.
func (w *Watcher) Seal(plaintext []byte) (string, error) {
	d := w.current.Load()
	if d == nil {
		return "", ErrNoKey
	}
	return crypto.Seal(d.key, plaintext)
}

// Run polls immediately and then every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Infow("Starting key discovery", "interval", w.interval.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ticker.C:
			w.poll(ctx)
		case <-ctx.Done():
			w.log.Infow("Key discovery shutting down")
			return nil
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	if _, err := w.Poll(ctx); err != nil {
		if errors.Is(err, pki.ErrNotFound) {
			w.log.Warnw("Receiver has no published key yet")
			return
		}
		w.log.Errorw("Key discovery failed, keeping the current key", "error", err)
	}
}

// ParsePublishedKey decodes a pinned key document: JSON {"publicKey": "<PEM>"} or a bare PEM.
func ParsePublishedKey(data []byte) (*rsa.PublicKey, error) {
	var doc pki.PublishedKey
	if err := json.Unmarshal(data, &doc); err == nil && doc.PublicKey != "" {
		return crypto.ParseRSAPublicKeyPEM([]byte(doc.PublicKey))
	}

	key, err := crypto.ParseRSAPublicKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("pinned object is not a public key: %w", err)
	}
	return key, nil
}

package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/margo/sealed-telemetry/shared-lib/file"
)

const (
	objectsDir    = "objects"
	pinsIndexFile = "pins.json"
)

// DiskStore keeps objects under <baseDir>/objects/<algorithm>/<hex> and the pin index in
// <baseDir>/pins.json.
type DiskStore struct {
	baseDir string
	now     func() time.Time
	mu      sync.RWMutex
	pins    map[string]Pin // address -> pin
}

// DiskOption configures a DiskStore.
type DiskOption func(*DiskStore)

// WithClock overrides the clock used to stamp pins.
func WithClock(now func() time.Time) DiskOption {
	return func(s *DiskStore) { s.now = now }
}

// NewDiskStore opens (or creates) a store rooted at baseDir.
func NewDiskStore(baseDir string, opts ...DiskOption) (*DiskStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, objectsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &DiskStore{
		baseDir: baseDir,
		now:     time.Now,
		pins:    map[string]Pin{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// PinJSON marshals doc and stores it. Re-pinning an existing address refreshes its metadata and
// pin time.
func (s *DiskStore) PinJSON(ctx context.Context, doc any, opts PinOptions) (*Pin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return s.Put(data, opts)
}

// Put stores raw bytes.
func (s *DiskStore) Put(data []byte, opts PinOptions) (*Pin, error) {
	address, err := AddressOf(data)
	if err != nil {
		return nil, err
	}
	path, err := s.objectPath(address)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := file.WriteAtomic(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write object: %w", err)
	}

	pin := Pin{
		Address:   address,
		Name:      opts.Name,
		KeyValues: copyKeyValues(opts.KeyValues),
		Size:      int64(len(data)),
		PinnedAt:  s.now().UTC(),
	}
	previous, existed := s.pins[address]
	s.pins[address] = pin

	if err := s.persistIndex(); err != nil {
		if existed {
			s.pins[address] = previous
		} else {
			delete(s.pins, address)
		}
		return nil, err
	}
	return &pin, nil
}

// Unpin drops the pin at address and removes its object. Unknown addresses yield ErrNotFound.
func (s *DiskStore) Unpin(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.objectPath(address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pin, ok := s.pins[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	delete(s.pins, address)
	if err := s.persistIndex(); err != nil {
		s.pins[address] = pin
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove object: %w", err)
	}
	return nil
}

// List returns the pins matching filter, most recently pinned first.
func (s *DiskStore) List(ctx context.Context, filter Filter) ([]Pin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Pin, 0, len(s.pins))
	for _, p := range s.pins {
		if filter.matches(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PinnedAt.Equal(out[j].PinnedAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].PinnedAt.After(out[j].PinnedAt)
	})
	return out, nil
}

// Fetch returns the bytes stored at address after verifying their digest. A corrupted object is
// removed and reported as ErrDigestMismatch.
func (s *DiskStore) Fetch(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.objectPath(address)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(path)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	if err := VerifyAddress(address, data); err != nil {
		os.Remove(path)
		return nil, err
	}
	return data, nil
}

func (s *DiskStore) objectPath(address string) (string, error) {
	h, err := v1.NewHash(address)
	if err != nil {
		return "", fmt.Errorf("%w: invalid address %q", ErrNotFound, address)
	}
	return filepath.Join(s.baseDir, objectsDir, h.Algorithm, h.Hex), nil
}

func (s *DiskStore) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.baseDir, pinsIndexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pin index: %w", err)
	}

	var pins []Pin
	if err := json.Unmarshal(data, &pins); err != nil {
		return fmt.Errorf("failed to parse pin index: %w", err)
	}
	for _, p := range pins {
		s.pins[p.Address] = p
	}
	return nil
}

// persistIndex must be called with s.mu held.
func (s *DiskStore) persistIndex() error {
	pins := make([]Pin, 0, len(s.pins))
	for _, p := range s.pins {
		pins = append(pins, p)
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].Address < pins[j].Address })

	data, err := json.MarshalIndent(pins, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pin index: %w", err)
	}
	if err := file.WriteAtomic(filepath.Join(s.baseDir, pinsIndexFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write pin index: %w", err)
	}
	return nil
}

func copyKeyValues(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package keyring

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/margo/sealed-telemetry/shared-lib/crypto"
	"github.com/margo/sealed-telemetry/shared-lib/file"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func seal(t *testing.T, key *rsa.PrivateKey, doc string) string {
	t.Helper()
	sealed, err := crypto.Seal(&key.PublicKey, []byte(doc))
	require.NoError(t, err)
	return sealed
}

func writeKey(t *testing.T, path string, key *rsa.PrivateKey) {
	t.Helper()
	require.NoError(t, file.WriteAtomic(path, crypto.EncodeRSAPrivateKeyPEM(key), 0o600))
}

func TestOpenWithoutKey(t *testing.T) {
	_, _, err := NewRing().Open("AAAA")
	require.ErrorIs(t, err, ErrNoKey)
}

func TestDualKeyWindow(t *testing.T) {
	ring := NewRing()
	genN, genN1, genN2 := newKey(t), newKey(t), newKey(t)
	doc := `{"carId":"car1","sensors":{"temperature":"21.50"}}`

	ring.Install(genN)
	sealed := seal(t, genN, doc)

	plaintext, usedPrevious, err := ring.Open(sealed)
	require.NoError(t, err)
	assert.False(t, usedPrevious)
	assert.Equal(t, doc, string(plaintext))

	ring.Install(genN1)
	plaintext, usedPrevious, err = ring.Open(sealed)
	require.NoError(t, err)
	assert.True(t, usedPrevious, "generation N opens through the previous key after one rotation")
	assert.Equal(t, doc, string(plaintext))

	ring.Install(genN2)
	_, _, err = ring.Open(sealed)
	require.ErrorIs(t, err, ErrUndecryptable, "two rotations close the window")
}

func TestInstallSameKeyIsNoop(t *testing.T) {
	ring := NewRing()
	first, second := newKey(t), newKey(t)

	ring.Install(first)
	b, changed := ring.Install(second)
	require.True(t, changed)
	assert.Equal(t, uint64(2), b.Generation)

	// the same key again, parsed from a fresh copy
	copyOfSecond, err := crypto.ParseRSAPrivateKeyPEM(crypto.EncodeRSAPrivateKeyPEM(second))
	require.NoError(t, err)
	b, changed = ring.Install(copyOfSecond)
	assert.False(t, changed)
	assert.Equal(t, uint64(2), b.Generation)
	assert.True(t, b.Previous.Equal(first), "the previous key must survive duplicate notifications")
}

func TestMalformedPayload(t *testing.T) {
	ring := NewRing()
	ring.Install(newKey(t))
	_, _, err := ring.Open("not base64!")
	require.ErrorIs(t, err, crypto.ErrMalformedEnvelope)
}

func TestConcurrentReadersSeeCompleteBundles(t *testing.T) {
	ring := NewRing()
	keys := []*rsa.PrivateKey{newKey(t), newKey(t), newKey(t)}
	ring.Install(keys[0])

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				b := ring.Snapshot()
				assert.NotNil(t, b.Current)
				if b.Generation > 1 {
					assert.NotNil(t, b.Previous)
				}
			}
		}()
	}
	for i := 0; i < 30; i++ {
		ring.Install(keys[i%len(keys)])
	}
	close(stop)
	wg.Wait()
}

func TestLoaderWithManualSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private.pem")
	first, second := newKey(t), newKey(t)
	writeKey(t, path, first)

	ring := NewRing()
	source := NewManualSource()
	var installs []uint64
	var mu sync.Mutex
	loader := NewLoader(path, ring, source, WithInstallHook(func(b *Bundle) {
		mu.Lock()
		defer mu.Unlock()
		installs = append(installs, b.Generation)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loader.Run(ctx) }()

	require.Eventually(t, func() bool { return ring.Snapshot() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, ring.Snapshot().Current.Equal(first))

	// unchanged file: no new generation
	source.Notify()
	writeKey(t, path, second)
	source.Notify()
	require.Eventually(t, func() bool { return ring.Snapshot().Generation == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, ring.Snapshot().Previous.Equal(first))

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, installs)
}

func TestLoadKeepsBundleOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "private.pem")
	key := newKey(t)
	writeKey(t, path, key)

	ring := NewRing()
	loader := NewLoader(path, ring, NewManualSource())
	changed, err := loader.Load()
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, file.WriteAtomic(path, []byte("garbage"), 0o600))
	_, err = loader.Load()
	require.Error(t, err)
	assert.True(t, ring.Snapshot().Current.Equal(key))
	assert.Equal(t, uint64(1), ring.Snapshot().Generation)

	missing := NewLoader(filepath.Join(dir, "absent.pem"), NewRing(), NewManualSource())
	_, err = missing.Load()
	require.Error(t, err)
}

func TestFileWatcherPicksUpRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "private.pem")
	first, second := newKey(t), newKey(t)

	ring := NewRing()
	loader := NewLoader(path, ring, NewFileWatcher(path, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loader.Run(ctx) }()

	// the key directory is created by the watcher; the first key arrives after start
	require.Eventually(t, func() bool {
		exists, _ := file.Exists(filepath.Dir(path))
		return exists
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	writeKey(t, path, first)
	require.Eventually(t, func() bool { return ring.Snapshot() != nil }, 5*time.Second, 10*time.Millisecond)

	writeKey(t, path, second)
	require.Eventually(t, func() bool {
		b := ring.Snapshot()
		return b.Generation == 2 && b.Current.Equal(second)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

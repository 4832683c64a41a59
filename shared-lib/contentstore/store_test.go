package contentstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*DiskStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)}
	store, err := NewDiskStore(t.TempDir(), WithClock(clock.Now))
	require.NoError(t, err)
	return store, clock
}

func TestPinJSONIsContentAddressed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	doc := map[string]string{"deviceId": "receiver", "publicKey": "pem"}
	first, err := store.PinJSON(ctx, doc, PinOptions{Name: "public-key-receiver"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.Address, "sha256:"))

	second, err := store.PinJSON(ctx, doc, PinOptions{Name: "public-key-receiver"})
	require.NoError(t, err)
	assert.Equal(t, first.Address, second.Address)

	other, err := store.PinJSON(ctx, map[string]string{"deviceId": "receiver", "publicKey": "other"}, PinOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Address, other.Address)

	data, err := store.Fetch(ctx, first.Address)
	require.NoError(t, err)
	assert.JSONEq(t, `{"deviceId":"receiver","publicKey":"pem"}`, string(data))
}

func TestListFiltersByAttributeMostRecentFirst(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	a, err := store.PinJSON(ctx, map[string]int{"gen": 1}, PinOptions{KeyValues: map[string]string{"deviceId": "receiver"}})
	require.NoError(t, err)
	clock.advance(time.Second)
	// same bytes, same address: the re-pin replaces the metadata
	_, err = store.PinJSON(ctx, map[string]int{"gen": 1}, PinOptions{KeyValues: map[string]string{"deviceId": "other"}})
	require.NoError(t, err)
	clock.advance(time.Second)
	b, err := store.PinJSON(ctx, map[string]int{"gen": 2}, PinOptions{KeyValues: map[string]string{"deviceId": "receiver"}})
	require.NoError(t, err)

	pins, err := store.List(ctx, Filter{Key: "deviceId", Value: "receiver"})
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, b.Address, pins[0].Address)

	clock.advance(time.Second)
	_, err = store.PinJSON(ctx, map[string]int{"gen": 3}, PinOptions{KeyValues: map[string]string{"deviceId": "receiver"}})
	require.NoError(t, err)

	pins, err = store.List(ctx, Filter{Key: "deviceId", Value: "receiver"})
	require.NoError(t, err)
	require.Len(t, pins, 2)
	assert.True(t, pins[0].PinnedAt.After(pins[1].PinnedAt))
	assert.Equal(t, b.Address, pins[1].Address)
	assert.NotEqual(t, a.Address, pins[0].Address)

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewDiskStore(dir)
	require.NoError(t, err)
	pin, err := store.PinJSON(ctx, map[string]string{"k": "v"}, PinOptions{KeyValues: map[string]string{"deviceId": "d1"}})
	require.NoError(t, err)

	reopened, err := NewDiskStore(dir)
	require.NoError(t, err)
	pins, err := reopened.List(ctx, Filter{Key: "deviceId", Value: "d1"})
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, pin.Address, pins[0].Address)
}

func TestUnpinRestoresPreviousNewest(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	kv := map[string]string{"deviceId": "receiver"}

	older, err := store.PinJSON(ctx, map[string]string{"gen": "1"}, PinOptions{KeyValues: kv})
	require.NoError(t, err)
	clock.advance(time.Second)
	newer, err := store.PinJSON(ctx, map[string]string{"gen": "2"}, PinOptions{KeyValues: kv})
	require.NoError(t, err)

	require.NoError(t, store.Unpin(ctx, newer.Address))

	pins, err := store.List(ctx, Filter{Key: "deviceId", Value: "receiver"})
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, older.Address, pins[0].Address)

	_, err = store.Fetch(ctx, newer.Address)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.Unpin(ctx, newer.Address), ErrNotFound)

	reopened, err := NewDiskStore(store.baseDir)
	require.NoError(t, err)
	pins, err = reopened.List(ctx, Filter{Key: "deviceId", Value: "receiver"})
	require.NoError(t, err)
	require.Len(t, pins, 1)
}

func TestFetchMissingAndCorrupted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Fetch(ctx, "sha256:"+strings.Repeat("0", 64))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Fetch(ctx, "not-an-address")
	require.ErrorIs(t, err, ErrNotFound)

	pin, err := store.PinJSON(ctx, map[string]string{"k": "v"}, PinOptions{})
	require.NoError(t, err)

	path, err := store.objectPath(pin.Address)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	_, err = store.Fetch(ctx, pin.Address)
	require.ErrorIs(t, err, ErrDigestMismatch)
	_, statErr := os.Stat(filepath.Clean(path))
	assert.True(t, os.IsNotExist(statErr))
}

func TestGatewayClientFetch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	pin, err := store.PinJSON(ctx, map[string]string{"publicKey": "pem"}, PinOptions{})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := strings.TrimPrefix(r.URL.Path, "/ipfs/")
		if address == "sha256:"+strings.Repeat("a", 64) {
			w.Write([]byte("wrong bytes"))
			return
		}
		data, err := store.Fetch(r.Context(), address)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	client := NewGatewayClient(srv.URL+"/", nil)

	data, err := client.Fetch(ctx, pin.Address)
	require.NoError(t, err)
	assert.JSONEq(t, `{"publicKey":"pem"}`, string(data))

	_, err = client.Fetch(ctx, "sha256:"+strings.Repeat("0", 64))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = client.Fetch(ctx, "sha256:"+strings.Repeat("a", 64))
	require.ErrorIs(t, err, ErrDigestMismatch)
}

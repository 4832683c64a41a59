package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/margo/sealed-telemetry/poc/pki/client"
	"github.com/margo/sealed-telemetry/poc/pki/server"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki/pkitest"
	"github.com/margo/sealed-telemetry/shared-lib/contentstore"
	"github.com/margo/sealed-telemetry/shared-lib/crypto"
)

type authorityLookup struct {
	authority *pki.Authority
	err       error
}

func (l *authorityLookup) PublicKey(ctx context.Context, deviceID string) (*pki.PublicKeyRecord, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.authority.LookupCurrentAddress(ctx, deviceID)
}

type countingFetcher struct {
	fetcher contentstore.Fetcher
	calls   atomic.Int32
	data    []byte
}

func (f *countingFetcher) Fetch(ctx context.Context, address string) ([]byte, error) {
	f.calls.Add(1)
	if f.data != nil {
		return f.data, nil
	}
	return f.fetcher.Fetch(ctx, address)
}

func openWith(t *testing.T, bundle *pki.IssuedBundle, sealed string) string {
	t.Helper()
	priv, err := crypto.ParseRSAPrivateKeyPEM([]byte(bundle.PrivateKeyPEM))
	require.NoError(t, err)
	plaintext, err := crypto.Open(priv, sealed)
	require.NoError(t, err)
	return string(plaintext)
}

func TestSealBeforeDiscovery(t *testing.T) {
	fx := pkitest.NewAuthority(t)
	w := NewWatcher("receiver", &authorityLookup{authority: fx.Authority}, fx.Store)

	_, err := w.Seal([]byte("{}"))
	require.ErrorIs(t, err, ErrNoKey)

	_, err = w.Poll(context.Background())
	require.ErrorIs(t, err, pki.ErrNotFound)
	_, _, ok := w.Current()
	assert.False(t, ok)
}

func TestPollFetchesOnlyOnAddressChange(t *testing.T) {
	ctx := context.Background()
	fx := pkitest.NewAuthority(t)
	fetcher := &countingFetcher{fetcher: fx.Store}
	var changes []string
	w := NewWatcher("receiver", &authorityLookup{authority: fx.Authority}, fetcher,
		WithChangeHook(func(address string) { changes = append(changes, address) }))

	first, err := fx.Authority.Issue(ctx, "receiver")
	require.NoError(t, err)

	changed, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	_, address, ok := w.Current()
	require.True(t, ok)
	assert.Equal(t, first.ContentAddress, address)

	changed, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int32(1), fetcher.calls.Load(), "same address must not be fetched again")

	sealed, err := w.Seal([]byte(`{"carId":"car1"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"carId":"car1"}`, openWith(t, first, sealed))

	second, err := fx.Authority.Issue(ctx, "receiver")
	require.NoError(t, err)
	changed, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int32(2), fetcher.calls.Load())
	assert.Equal(t, []string{first.ContentAddress, second.ContentAddress}, changes)

	sealed, err = w.Seal([]byte("rotated"))
	require.NoError(t, err)
	assert.Equal(t, "rotated", openWith(t, second, sealed))
}

func TestFailuresKeepPreviousKey(t *testing.T) {
	ctx := context.Background()
	fx := pkitest.NewAuthority(t)
	lookup := &authorityLookup{authority: fx.Authority}
	fetcher := &countingFetcher{fetcher: fx.Store}
	w := NewWatcher("receiver", lookup, fetcher)

	first, err := fx.Authority.Issue(ctx, "receiver")
	require.NoError(t, err)
	_, err = w.Poll(ctx)
	require.NoError(t, err)

	lookup.err = errors.New("connection refused")
	_, err = w.Poll(ctx)
	require.Error(t, err)
	_, address, _ := w.Current()
	assert.Equal(t, first.ContentAddress, address)

	lookup.err = nil
	_, err = fx.Authority.Issue(ctx, "receiver")
	require.NoError(t, err)
	fetcher.data = []byte(`{"deviceId":"receiver","publicKey":"garbage"}`)
	_, err = w.Poll(ctx)
	require.Error(t, err)
	_, address, _ = w.Current()
	assert.Equal(t, first.ContentAddress, address)

	sealed, err := w.Seal([]byte("still the old key"))
	require.NoError(t, err)
	assert.Equal(t, "still the old key", openWith(t, first, sealed))
}

func TestParsePublishedKey(t *testing.T) {
	fx := pkitest.NewAuthority(t)
	bundle, err := fx.Authority.Issue(context.Background(), "receiver")
	require.NoError(t, err)

	fromPEM, err := ParsePublishedKey([]byte(bundle.PublicKeyPEM))
	require.NoError(t, err)
	doc, err := json.Marshal(pki.PublishedKey{DeviceID: "receiver", PublicKey: bundle.PublicKeyPEM})
	require.NoError(t, err)
	fromDoc, err := ParsePublishedKey(doc)
	require.NoError(t, err)
	assert.True(t, fromPEM.Equal(fromDoc))

	_, err = ParsePublishedKey([]byte(`{"deviceId":"receiver"}`))
	require.Error(t, err)
}

func TestWatcherOverHTTP(t *testing.T) {
	ctx := context.Background()
	fx := pkitest.NewAuthority(t)
	var cfg server.Config
	cfg.SetDefaults()
	srv := httptest.NewServer(server.New(cfg, fx.Authority, fx.Store, nil).Handler())
	defer srv.Close()

	pkiClient := client.New(srv.URL, client.WithRetries(0))
	bundle, err := pkiClient.Register(ctx, "receiver")
	require.NoError(t, err)

	w := NewWatcher("receiver", pkiClient, contentstore.NewGatewayClient(srv.URL, nil), WithInterval(10*time.Millisecond))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, _, ok := w.Current()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	sealed, err := w.Seal([]byte("over http"))
	require.NoError(t, err)
	assert.Equal(t, "over http", openWith(t, bundle, sealed))
}

// Package pkitest builds throwaway certificate authorities for tests.
package pkitest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	"github.com/margo/sealed-telemetry/shared-lib/contentstore"
)

// Fixture is a ready-to-use authority backed by a disk store in a temp directory.
type Fixture struct {
	Authority *pki.Authority
	Store     *contentstore.DiskStore
	CACertPEM []byte
	CertDir   string
}

// NewAuthority creates an authority with a fresh CA, a disk content store and a temp bundle
// directory. Extra options are applied after the defaults.
func NewAuthority(t testing.TB, opts ...pki.Option) *Fixture {
	t.Helper()

	caCertPEM, caKeyPEM, err := pki.GenerateCA("test-ca", 24*time.Hour)
	require.NoError(t, err)

	store, err := contentstore.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	certDir := t.TempDir()
	all := append([]pki.Option{pki.WithCertDir(certDir)}, opts...)
	authority, err := pki.NewAuthority(caCertPEM, caKeyPEM, store, all...)
	require.NoError(t, err)

	return &Fixture{
		Authority: authority,
		Store:     store,
		CACertPEM: caCertPEM,
		CertDir:   certDir,
	}
}

package pki

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/margo/sealed-telemetry/shared-lib/file"
)

// File names of a device bundle directory.
const (
	CertificateFile = "cert.pem"
	PrivateKeyFile  = "private.pem"
	PublicKeyFile   = "public.pem"
	CAFile          = "ca.pem"
)

// BundleFiles is the PEM content of a bundle directory.
type BundleFiles struct {
	CertificatePEM   []byte
	PrivateKeyPEM    []byte
	PublicKeyPEM     []byte
	CACertificatePEM []byte
}

// BundleDir is a directory holding one device's certificate, key pair and CA certificate.
type BundleDir string

func (d BundleDir) CertPath() string       { return filepath.Join(string(d), CertificateFile) }
func (d BundleDir) PrivateKeyPath() string { return filepath.Join(string(d), PrivateKeyFile) }
func (d BundleDir) PublicKeyPath() string  { return filepath.Join(string(d), PublicKeyFile) }
func (d BundleDir) CAPath() string         { return filepath.Join(string(d), CAFile) }

// Write replaces every file of the bundle. Each file is swapped atomically; the private key is
// written last so that a watcher reacting to it observes a complete set. When a write fails, the
// files already replaced are restored to their previous content.
func (d BundleDir) Write(files BundleFiles) error {
	if err := os.MkdirAll(string(d), 0o700); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}

	writes := []bundleWrite{
		{path: d.CAPath(), data: files.CACertificatePEM, perm: 0o644},
		{path: d.CertPath(), data: files.CertificatePEM, perm: 0o644},
		{path: d.PublicKeyPath(), data: files.PublicKeyPEM, perm: 0o644},
		{path: d.PrivateKeyPath(), data: files.PrivateKeyPEM, perm: 0o600},
	}
	for i := range writes {
		w := &writes[i]
		if len(w.data) == 0 {
			return fmt.Errorf("refusing to write empty %s", filepath.Base(w.path))
		}
		previous, err := os.ReadFile(w.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return fmt.Errorf("failed to read current %s: %w", filepath.Base(w.path), err)
		default:
			w.previous = previous
		}
	}

	for i, w := range writes {
		if err := file.WriteAtomic(w.path, w.data, w.perm); err != nil {
			return multierror.Append(err, restore(writes[:i])).ErrorOrNil()
		}
	}
	return nil
}

type bundleWrite struct {
	path     string
	data     []byte
	perm     os.FileMode
	previous []byte
}

// restore puts back the previous content of already written files, newest write first.
func restore(written []bundleWrite) error {
	var result *multierror.Error
	for i := len(written) - 1; i >= 0; i-- {
		w := written[i]
		var err error
		if w.previous == nil {
			err = os.Remove(w.path)
		} else {
			err = file.WriteAtomic(w.path, w.previous, w.perm)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to restore %s: %w", filepath.Base(w.path), err))
		}
	}
	return result.ErrorOrNil()
}

// HasCertificate reports whether the certificate file exists.
func (d BundleDir) HasCertificate() (bool, error) {
	return file.Exists(d.CertPath())
}

// ReadCertificate parses the bundle certificate. A missing file yields an error wrapping
// fs.ErrNotExist.
func (d BundleDir) ReadCertificate() (*x509.Certificate, error) {
	data, err := os.ReadFile(d.CertPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	return ParseCertificatePEM(data)
}

// ReadPublicKeyPEM returns the public key file content, or ErrNotFound if it does not exist.
func (d BundleDir) ReadPublicKeyPEM() ([]byte, error) {
	data, err := os.ReadFile(d.PublicKeyPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return data, nil
}

package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/shared-lib/contentstore"
	sharedcrypto "github.com/margo/sealed-telemetry/shared-lib/crypto"
)

const (
	DefaultValidity = 2 * time.Minute
	DefaultKeyBits  = 2048
	DefaultCertDir  = "certs"
)

// Authority issues device certificates signed by a single CA and publishes the matching public
// keys. The CA material is read-only after construction; Issue may be called concurrently.
type Authority struct {
	caCert    *x509.Certificate
	caCertPEM []byte
	caKey     crypto.Signer
	store     contentstore.Store

	certDir  string
	validity time.Duration
	keyBits  int
	now      func() time.Time
	log      *zap.SugaredLogger

	// guards the pin and bundle pair so lookups never see one without the other
	mu sync.RWMutex
}

// Option configures an Authority.
type Option func(*Authority)

// WithValidity sets the certificate lifetime.
func WithValidity(d time.Duration) Option {
	return func(a *Authority) { a.validity = d }
}

// WithKeyBits sets the RSA modulus size of issued device keys.
func WithKeyBits(bits int) Option {
	return func(a *Authority) { a.keyBits = bits }
}

// WithCertDir sets the directory holding one bundle directory per device.
func WithCertDir(dir string) Option {
	return func(a *Authority) { a.certDir = dir }
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(a *Authority) { a.log = log }
}

// WithClock overrides the clock used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// NewAuthority creates an authority from PEM-encoded CA material.
func NewAuthority(caCertPEM, caKeyPEM []byte, store contentstore.Store, opts ...Option) (*Authority, error) {
	if store == nil {
		return nil, fmt.Errorf("content store cannot be nil")
	}

	caCert, err := ParseCertificatePEM(caCertPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}
	caKey, err := sharedcrypto.ParseSignerPEM(caKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA key: %w", err)
	}
	if !caCert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", caCert.Subject.CommonName)
	}

	a := &Authority{
		caCert:    caCert,
		caCertPEM: caCertPEM,
		caKey:     caKey,
		store:     store,
		certDir:   DefaultCertDir,
		validity:  DefaultValidity,
		keyBits:   DefaultKeyBits,
		now:       time.Now,
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.validity <= 0 {
		return nil, fmt.Errorf("validity must be positive, got %s", a.validity)
	}
	if a.keyBits < 2048 {
		return nil, fmt.Errorf("key size must be at least 2048 bits, got %d", a.keyBits)
	}
	return a, nil
}

// LoadAuthority reads the CA certificate and key from disk.
func LoadAuthority(certPath, keyPath string, store contentstore.Store, opts ...Option) (*Authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	return NewAuthority(certPEM, keyPEM, store, opts...)
}

// CACertificate returns the CA certificate.
func (a *Authority) CACertificate() *x509.Certificate {
	return a.caCert
}

// Validity returns the lifetime of issued certificates.
func (a *Authority) Validity() time.Duration {
	return a.validity
}

// BundleDir returns the bundle directory of a device.
func (a *Authority) BundleDir(deviceID string) BundleDir {
	return BundleDir(filepath.Join(a.certDir, deviceID))
}

// Issue generates a key pair and certificate for deviceID, pins the public key and persists the
// bundle. On failure the previous pin and bundle stay current.
func (a *Authority) Issue(ctx context.Context, deviceID string) (*IssuedBundle, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, a.keyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: key generation: %v", ErrSign, err)
	}

	certDER, err := a.sign(deviceID, &key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSign, err)
	}

	publicKeyPEM, err := sharedcrypto.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSign, err)
	}

	files := BundleFiles{
		CertificatePEM:   EncodeCertificatePEM(certDER),
		PrivateKeyPEM:    sharedcrypto.EncodeRSAPrivateKeyPEM(key),
		PublicKeyPEM:     publicKeyPEM,
		CACertificatePEM: a.caCertPEM,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pin, err := a.store.PinJSON(ctx, PublishedKey{DeviceID: deviceID, PublicKey: string(publicKeyPEM)}, contentstore.PinOptions{
		Name:      "public-key-" + deviceID,
		KeyValues: map[string]string{DeviceIDAttribute: deviceID},
	})
	if err != nil {
		a.log.Errorw("Failed to publish public key", "deviceId", deviceID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPublish, err)
	}

	if err := a.BundleDir(deviceID).Write(files); err != nil {
		a.log.Errorw("Failed to persist bundle", "deviceId", deviceID, "error", err)
		if unpinErr := a.store.Unpin(context.WithoutCancel(ctx), pin.Address); unpinErr != nil {
			a.log.Errorw("Failed to withdraw public key", "deviceId", deviceID, "address", pin.Address, "error", unpinErr)
			err = multierror.Append(err, unpinErr)
		}
		return nil, fmt.Errorf("failed to persist bundle for %q: %w", deviceID, err)
	}

	a.log.Infow("Issued device certificate",
		"deviceId", deviceID,
		"keyId", sharedcrypto.ShortKeyID(&key.PublicKey),
		"address", pin.Address,
		"validity", a.validity.String())

	return &IssuedBundle{
		CertificatePEM:   string(files.CertificatePEM),
		PrivateKeyPEM:    string(files.PrivateKeyPEM),
		PublicKeyPEM:     string(files.PublicKeyPEM),
		CACertificatePEM: string(files.CACertificatePEM),
		ContentAddress:   pin.Address,
	}, nil
}

// LookupCurrentAddress returns the device's current public key and the address of its most recent
// pin.
func (a *Authority) LookupCurrentAddress(ctx context.Context, deviceID string) (*PublicKeyRecord, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	publicKeyPEM, err := a.BundleDir(deviceID).ReadPublicKeyPEM()
	if err != nil {
		return nil, err
	}

	pins, err := a.store.List(ctx, contentstore.Filter{Key: DeviceIDAttribute, Value: deviceID})
	if err != nil {
		return nil, fmt.Errorf("failed to list pins: %w", err)
	}
	if len(pins) == 0 {
		return nil, ErrNotFound
	}

	return &PublicKeyRecord{
		PublicKeyPEM:   string(publicKeyPEM),
		ContentAddress: pins[0].Address,
	}, nil
}

func (a *Authority) sign(deviceID string, pub *rsa.PublicKey) ([]byte, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	notBefore := a.now().UTC().Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: deviceID},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(a.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              []string{deviceID},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.caCert, pub, a.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return der, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// GenerateCA creates a self-signed ECDSA P-256 CA and returns its certificate and PKCS#8 key as
// PEM.
func GenerateCA(commonName string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	// backdated so certificates issued in the same second still verify
	notBefore := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	keyPEM, err = sharedcrypto.EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, nil, err
	}
	return EncodeCertificatePEM(der), keyPEM, nil
}

// WriteCA generates a CA with GenerateCA and writes it to certPath and keyPath. Existing files are
// never overwritten.
func WriteCA(commonName string, validity time.Duration, certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("refusing to overwrite existing %s", p)
		}
	}

	certPEM, keyPEM, err := GenerateCA(commonName, validity)
	if err != nil {
		return err
	}
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write CA key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}
	return nil
}

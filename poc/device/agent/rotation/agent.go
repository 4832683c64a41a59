// Package rotation keeps a device's certificate and key pair fresh. The agent polls the local
// certificate, asks the certificate authority for a new bundle once it expires and installs it
// on disk. The key loader picks the new private key up from there.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/poc/device/agent/types"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

const (
	DefaultInterval = time.Second
	DefaultCooldown = 5 * time.Second
)

// Issuer obtains a new certificate bundle for a device.
type Issuer interface {
	Register(ctx context.Context, deviceID string) (*pki.IssuedBundle, error)
}

// Agent is the rotation loop of one device.
type Agent struct {
	deviceID    string
	dir         pki.BundleDir
	issuer      Issuer
	debouncer   *Debouncer
	interval    time.Duration
	renewBefore time.Duration
	onRotate    func(*pki.IssuedBundle)
	now         func() time.Time
	log         *zap.SugaredLogger
}

type Option func(*Agent)

// WithInterval sets how often the certificate is checked.
func WithInterval(d time.Duration) Option {
	return func(a *Agent) { a.interval = d }
}

// WithCooldown sets how long issuance is suppressed after an attempt.
func WithCooldown(d time.Duration) Option {
	return func(a *Agent) { a.debouncer = NewDebouncer(d) }
}

// WithRenewBefore renews the certificate this long before it expires instead of at expiry.
func WithRenewBefore(d time.Duration) Option {
	return func(a *Agent) { a.renewBefore = d }
}

// WithRotationHook registers a callback run after every installed bundle.
func WithRotationHook(fn func(*pki.IssuedBundle)) Option {
	return func(a *Agent) { a.onRotate = fn }
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(a *Agent) { a.log = log }
}

// NewAgent creates an agent keeping the bundle in keyDir fresh for deviceID.
func NewAgent(deviceID, keyDir string, issuer Issuer, opts ...Option) *Agent {
	a := &Agent{
		deviceID:  deviceID,
		dir:       pki.BundleDir(keyDir),
		issuer:    issuer,
		debouncer: NewDebouncer(DefaultCooldown),
		interval:  DefaultInterval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logging.OrNop(a.log).With("deviceId", deviceID)
	return a
}

// Debouncer exposes the issuance state machine.
func (a *Agent) Debouncer() *Debouncer {
	return a.debouncer
}

// Check rotates the bundle if there is no certificate or it has expired. It reports whether a new
// bundle was installed.
func (a *Agent) Check(ctx context.Context) (bool, error) {
	due, reason, err := a.due()
	if err != nil {
		return false, err
	}
	if !due {
		return false, nil
	}

	if !a.debouncer.Begin(a.now()) {
		a.log.Debugw("Rotation suppressed", "reason", reason, "state", a.debouncer.State(a.now()).String())
		return false, nil
	}
	defer func() { a.debouncer.End(a.now()) }()

	a.log.Infow("Rotating certificate", "reason", reason)
	if err := a.Rotate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Agent) due() (bool, string, error) {
	cert, err := a.dir.ReadCertificate()
	if errors.Is(err, fs.ErrNotExist) {
		return true, "no certificate", nil
	}
	if err != nil {
		// an unreadable certificate is replaced like an expired one
		a.log.Warnw("Local certificate unreadable", "error", err)
		return true, "unreadable certificate", nil
	}

	now := a.now()
	if pki.Expired(cert, now, a.renewBefore) {
		return true, "expired", nil
	}
	a.log.Debugw("Certificate valid", "remaining", cert.NotAfter.Sub(now).Truncate(time.Second).String())
	return false, "", nil
}

// Rotate requests a new bundle, verifies it and installs it, regardless of the local
// certificate and the debouncer.
func (a *Agent) Rotate(ctx context.Context) error {
	bundle, err := a.issuer.Register(ctx, a.deviceID)
	if err != nil {
		return types.IssuanceError(types.OperationIssuingCert, err).WithContext("deviceId", a.deviceID)
	}
	if err := a.verify(bundle); err != nil {
		return types.IssuanceError(types.OperationVerifyingCert, err).WithContext("deviceId", a.deviceID)
	}

	err = a.dir.Write(pki.BundleFiles{
		CertificatePEM:   []byte(bundle.CertificatePEM),
		PrivateKeyPEM:    []byte(bundle.PrivateKeyPEM),
		PublicKeyPEM:     []byte(bundle.PublicKeyPEM),
		CACertificatePEM: []byte(bundle.CACertificatePEM),
	})
	if err != nil {
		return types.IssuanceError(types.OperationInstallingKeys, err).WithContext("deviceId", a.deviceID)
	}

	a.log.Infow("Installed new certificate", "address", bundle.ContentAddress, "dir", string(a.dir))
	if a.onRotate != nil {
		a.onRotate(bundle)
	}
	return nil
}

func (a *Agent) verify(bundle *pki.IssuedBundle) error {
	caCert, err := pki.ParseCertificatePEM([]byte(bundle.CACertificatePEM))
	if err != nil {
		return fmt.Errorf("invalid CA certificate: %w", err)
	}
	cert, err := pki.ParseCertificatePEM([]byte(bundle.CertificatePEM))
	if err != nil {
		return fmt.Errorf("invalid certificate: %w", err)
	}
	if err := pki.VerifyIssuedBy(caCert, cert); err != nil {
		return err
	}
	id, err := pki.ExtractDeviceID(cert)
	if err != nil {
		return err
	}
	if id != a.deviceID {
		return fmt.Errorf("certificate issued for %q, expected %q", id, a.deviceID)
	}
	return nil
}

// EnsureKeys issues a bundle if none is installed yet, retrying with backoff until ctx is done.
// It is meant to run once before the decrypt pipeline starts.
func (a *Agent) EnsureKeys(ctx context.Context) error {
	ok, err := a.dir.HasCertificate()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		return a.Rotate(ctx)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		a.log.Warnw("Initial issuance failed, retrying", "error", err, "wait", wait.String())
	})
}

// Run checks immediately and then every interval until ctx is done. Failures are logged and
// retried on the next tick.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Infow("Starting rotation agent", "interval", a.interval.String(), "dir", string(a.dir))

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.tick(ctx)
	for {
		select {
		case <-ticker.C:
			a.tick(ctx)
		case <-ctx.Done():
			a.log.Infow("Rotation agent shutting down")
			return nil
		}
	}
}

func (a *Agent) tick(ctx context.Context) {
	if _, err := a.Check(ctx); err != nil {
		a.log.Errorw("Rotation failed, retrying on next tick", "error", err)
	}
}

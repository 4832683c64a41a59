package keyring

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/poc/device/agent/types"
	"github.com/margo/sealed-telemetry/shared-lib/crypto"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

// Loader keeps a Ring in sync with the private key file on disk.
type Loader struct {
	path      string
	ring      *Ring
	source    ChangeSource
	onInstall func(*Bundle)
	log       *zap.SugaredLogger
}

type LoaderOption func(*Loader)

func WithLoaderLogger(log *zap.SugaredLogger) LoaderOption {
	return func(l *Loader) { l.log = log }
}

// WithInstallHook registers a callback run after every install that changed the ring.
func WithInstallHook(fn func(*Bundle)) LoaderOption {
	return func(l *Loader) { l.onInstall = fn }
}

func NewLoader(path string, ring *Ring, source ChangeSource, opts ...LoaderOption) *Loader {
	l := &Loader{path: path, ring: ring, source: source}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logging.OrNop(l.log)
	return l
}

// Load reads the key file and installs it. It reports whether the ring changed. On error the
// ring keeps its current bundle.
func (l *Loader) Load() (bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false, types.KeyLoadError(fmt.Errorf("failed to read %s: %w", l.path, err))
	}
	key, err := crypto.ParseRSAPrivateKeyPEM(data)
	if err != nil {
		return false, types.KeyLoadError(err).WithContext("path", l.path)
	}

	bundle, changed := l.ring.Install(key)
	if !changed {
		l.log.Debugw("Key file unchanged", "generation", bundle.Generation)
		return false, nil
	}

	l.log.Infow("Installed decryption key",
		"keyId", crypto.ShortKeyID(&key.PublicKey),
		"generation", bundle.Generation,
		"hasPrevious", bundle.Previous != nil)
	if l.onInstall != nil {
		l.onInstall(bundle)
	}
	return true, nil
}

// Run loads the key once and then on every change notification until ctx is done. Load failures
// are logged and never stop the loop.
func (l *Loader) Run(ctx context.Context) error {
	l.reload()
	return l.source.Run(ctx, l.reload)
}

func (l *Loader) reload() {
	if _, err := l.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.log.Warnw("Key file not present yet", "path", l.path)
			return
		}
		l.log.Errorw("Failed to load key, keeping the installed keys", "error", err)
	}
}

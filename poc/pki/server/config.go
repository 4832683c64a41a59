package server

import (
	"time"

	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

// Config is the pki server configuration file.
type Config struct {
	ListenAddress string         `yaml:"listenAddress" validate:"required"`
	CACertPath    string         `yaml:"caCertPath" validate:"required"`
	CAKeyPath     string         `yaml:"caKeyPath" validate:"required"`
	CertDir       string         `yaml:"certDir" validate:"required"`
	StoreDir      string         `yaml:"storeDir" validate:"required"`
	Validity      time.Duration  `yaml:"validity" validate:"gt=0"`
	KeyBits       int            `yaml:"keyBits" validate:"oneof=2048 3072 4096"`
	// RegisterToken, when set, must be presented as a bearer token on /register.
	RegisterToken string         `yaml:"registerToken"`
	ReadTimeout   time.Duration  `yaml:"readTimeout" validate:"gt=0"`
	WriteTimeout  time.Duration  `yaml:"writeTimeout" validate:"gt=0"`
	Log           logging.Config `yaml:"log"`
}

// SetDefaults fills every field with its default value.
func (c *Config) SetDefaults() {
	c.ListenAddress = ":7070"
	c.CACertPath = "ca/ca.pem"
	c.CAKeyPath = "ca/ca.key"
	c.CertDir = pki.DefaultCertDir
	c.StoreDir = "store"
	c.Validity = pki.DefaultValidity
	c.KeyBits = pki.DefaultKeyBits
	c.ReadTimeout = 15 * time.Second
	c.WriteTimeout = 30 * time.Second
	c.Log = logging.Config{Level: "info"}
}

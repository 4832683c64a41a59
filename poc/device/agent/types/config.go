package types

import (
	"time"

	"github.com/margo/sealed-telemetry/shared-lib/broker"
	"github.com/margo/sealed-telemetry/shared-lib/config"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
	"github.com/margo/sealed-telemetry/shared-lib/queue"
)

const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
)

// PKIConfig points at the certificate authority.
type PKIConfig struct {
	URL string `yaml:"url" validate:"required,url"`
	// Token is sent as a bearer token on /register.
	Token string `yaml:"token"`
	// CAFile is a PEM bundle trusted for https CA endpoints.
	CAFile  string        `yaml:"caFile"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	Retries uint64        `yaml:"retries"`
}

type RotationConfig struct {
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	Cooldown    time.Duration `yaml:"cooldown" validate:"gte=0"`
	RenewBefore time.Duration `yaml:"renewBefore" validate:"gte=0"`
}

type QueueConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=memory redis"`
	Name          string        `yaml:"name" validate:"required"`
	RedisAddr     string        `yaml:"redisAddr" validate:"required_if=Backend redis"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB" validate:"gte=0"`
	Attempts      int           `yaml:"attempts" validate:"gte=1"`
	Backoff       time.Duration `yaml:"backoff" validate:"gte=0"`
	Concurrency   int           `yaml:"concurrency" validate:"gte=1"`
	Retention     int           `yaml:"retention" validate:"gte=0"`
}

// RetryPolicy returns the policy new jobs are enqueued with.
func (c QueueConfig) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{Attempts: c.Attempts, Backoff: c.Backoff}
}

type DisplayConfig struct {
	ListenAddress string `yaml:"listenAddress" validate:"required"`
	// AllowedOrigins are host patterns accepted for cross-origin websocket clients.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// ReceiverConfig is the receiver configuration file.
type ReceiverConfig struct {
	DeviceID string            `yaml:"deviceId" validate:"required"`
	KeyDir   string            `yaml:"keyDir" validate:"required"`
	PKI      PKIConfig         `yaml:"pki"`
	Rotation RotationConfig    `yaml:"rotation"`
	Broker   broker.NATSConfig `yaml:"broker"`
	Queue    QueueConfig       `yaml:"queue"`
	Display  DisplayConfig     `yaml:"display"`
	Log      logging.Config    `yaml:"log"`
}

func (c *ReceiverConfig) SetDefaults() {
	c.DeviceID = "receiver"
	c.KeyDir = "certs"
	c.PKI = PKIConfig{URL: "http://localhost:7070", Timeout: 10 * time.Second, Retries: 2}
	c.Rotation = RotationConfig{Interval: time.Second, Cooldown: 5 * time.Second}
	c.Broker.SetDefaults()
	c.Broker.Name = "receiver"

	policy := queue.DefaultRetryPolicy()
	c.Queue = QueueConfig{
		Backend:     QueueBackendMemory,
		Name:        "decrypt",
		Attempts:    policy.Attempts,
		Backoff:     policy.Backoff,
		Concurrency: 2,
		Retention:   queue.DefaultRetention,
	}
	c.Display = DisplayConfig{ListenAddress: ":5001"}
	c.Log = logging.Config{Level: "info"}
}

// SenderConfig is the sender configuration file.
type SenderConfig struct {
	// ReceiverID is the device whose public key readings are sealed for.
	ReceiverID string    `yaml:"receiverId" validate:"required"`
	PKI        PKIConfig `yaml:"pki"`
	// GatewayURL serves pinned objects under /ipfs/. Defaults to the CA.
	GatewayURL        string            `yaml:"gatewayUrl" validate:"omitempty,url"`
	Broker            broker.NATSConfig `yaml:"broker"`
	Cars              []string          `yaml:"cars" validate:"required,min=1,dive,required"`
	PublishInterval   time.Duration     `yaml:"publishInterval" validate:"gt=0"`
	DiscoveryInterval time.Duration     `yaml:"discoveryInterval" validate:"gt=0"`
	// ListenAddress serves the sender status and metrics. Empty disables it.
	ListenAddress string         `yaml:"listenAddress"`
	Log           logging.Config `yaml:"log"`
}

func (c *SenderConfig) SetDefaults() {
	c.ReceiverID = "receiver"
	c.PKI = PKIConfig{URL: "http://localhost:7070", Timeout: 10 * time.Second, Retries: 2}
	c.Broker.SetDefaults()
	c.Broker.Name = "sender"
	c.Cars = []string{"car1", "car2"}
	c.PublishInterval = time.Second
	c.DiscoveryInterval = 3 * time.Second
	c.ListenAddress = ":5000"
	c.Log = logging.Config{Level: "info"}
}

// Gateway returns the content gateway base URL.
func (c *SenderConfig) Gateway() string {
	if c.GatewayURL != "" {
		return c.GatewayURL
	}
	return c.PKI.URL
}

// LoadReceiverConfig reads and validates a receiver configuration. An empty path yields the
// defaults.
func LoadReceiverConfig(path string) (*ReceiverConfig, error) {
	var cfg ReceiverConfig
	if err := config.Load(path, &cfg); err != nil {
		return nil, ConfigError(err).WithContext("path", path)
	}
	return &cfg, nil
}

// LoadSenderConfig reads and validates a sender configuration. An empty path yields the defaults.
func LoadSenderConfig(path string) (*SenderConfig, error) {
	var cfg SenderConfig
	if err := config.Load(path, &cfg); err != nil {
		return nil, ConfigError(err).WithContext("path", path)
	}
	return &cfg, nil
}

package types

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentError(t *testing.T) {
	cause := errors.New("connection refused")
	err := IssuanceError(OperationIssuingCert, cause)

	assert.Equal(t, "[rotation:issuing-certificate] connection refused", err.Error())
	assert.True(t, err.Retryable)
	assert.ErrorIs(t, err, cause)

	withCtx := err.WithContext("deviceId", "receiver").WithContext("attempt", "2")
	assert.Equal(t, "[rotation:issuing-certificate] connection refused (attempt=2 deviceId=receiver)", withCtx.Error())
	assert.Empty(t, err.Context, "WithContext must not modify the original")

	var target *ComponentError
	require.True(t, errors.As(error(withCtx), &target))
	assert.Equal(t, ComponentRotation, target.Component)

	assert.False(t, EnqueueError(cause).Retryable)
	assert.False(t, ConfigError(cause).Retryable)
}

func TestReceiverConfigDefaults(t *testing.T) {
	cfg, err := LoadReceiverConfig("")
	require.NoError(t, err)

	assert.Equal(t, "receiver", cfg.DeviceID)
	assert.Equal(t, time.Second, cfg.Rotation.Interval)
	assert.Equal(t, 5*time.Second, cfg.Rotation.Cooldown)
	assert.Equal(t, QueueBackendMemory, cfg.Queue.Backend)
	assert.Equal(t, 3, cfg.Queue.RetryPolicy().Attempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.RetryPolicy().Backoff)
	assert.Equal(t, ":5001", cfg.Display.ListenAddress)
}

func TestReceiverConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receiver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
deviceId: dashboard
keyDir: /var/lib/receiver
pki:
  url: http://pki:7070
  timeout: 5s
queue:
  backend: redis
  redisAddr: redis:6379
  attempts: 5
broker:
  url: nats://nats:4222
`), 0o600))

	cfg, err := LoadReceiverConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "dashboard", cfg.DeviceID)
	assert.Equal(t, "http://pki:7070", cfg.PKI.URL)
	assert.Equal(t, 5*time.Second, cfg.PKI.Timeout)
	assert.Equal(t, QueueBackendRedis, cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Queue.Attempts)
	assert.Equal(t, "decrypt", cfg.Queue.Name, "unset fields keep their defaults")
	assert.Equal(t, "nats://nats:4222", cfg.Broker.URL)
}

func TestReceiverConfigValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receiver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  backend: redis\n"), 0o600))

	_, err := LoadReceiverConfig(path)
	require.Error(t, err)

	var cerr *ComponentError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ComponentConfig, cerr.Component)
	assert.Equal(t, path, cerr.Context["path"])
}

func TestSenderConfig(t *testing.T) {
	cfg, err := LoadSenderConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"car1", "car2"}, cfg.Cars)
	assert.Equal(t, 3*time.Second, cfg.DiscoveryInterval)
	assert.Equal(t, cfg.PKI.URL, cfg.Gateway())

	path := filepath.Join(t.TempDir(), "sender.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cars: []\n"), 0o600))
	_, err = LoadSenderConfig(path)
	require.Error(t, err)
}

func TestShippedConfigsLoad(t *testing.T) {
	receiver, err := LoadReceiverConfig(filepath.Join("..", "config", "receiver.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", receiver.Broker.URL)
	assert.Equal(t, []string{"localhost:3000"}, receiver.Display.AllowedOrigins)
	assert.Equal(t, 2*time.Second, receiver.Queue.Backoff)

	sender, err := LoadSenderConfig(filepath.Join("..", "..", "sender", "config", "sender.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":5000", sender.ListenAddress)
	assert.Equal(t, 3*time.Second, sender.DiscoveryInterval)
	assert.Equal(t, "http://localhost:7070", sender.Gateway())
}

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/margo/sealed-telemetry/poc/device/agent/display"
	"github.com/margo/sealed-telemetry/poc/device/agent/keyring"
	"github.com/margo/sealed-telemetry/poc/device/agent/pipeline"
	"github.com/margo/sealed-telemetry/poc/device/agent/rotation"
	"github.com/margo/sealed-telemetry/poc/device/agent/types"
	"github.com/margo/sealed-telemetry/shared-lib/broker"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	"github.com/margo/sealed-telemetry/shared-lib/queue"
)

// Agent is the receiver:
// 1. keeps a valid certificate and key pair in the key directory
// 2. reloads the private key whenever it is replaced
// 3. queues every sealed reading from the broker
// 4. decrypts queued readings and streams them to the display
type Agent struct {
	config   *types.ReceiverConfig
	log      *zap.SugaredLogger
	registry *prometheus.Registry

	broker   broker.Broker
	queue    queue.Queue
	ring     *keyring.Ring
	rotation *rotation.Agent
	loader   *keyring.Loader
	ingestor *pipeline.Ingestor
	workers  *queue.WorkerPool
	hub      *display.Hub
	server   *display.Server

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewAgent wires the receiver components. The agent owns b and closes it on Stop.
func NewAgent(cfg *types.ReceiverConfig, issuer rotation.Issuer, b broker.Broker, log *zap.SugaredLogger) (*Agent, error) {
	q, err := newQueue(cfg.Queue)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		pipeline.NewQueueCollector(q),
	)
	metrics := pipeline.NewMetrics(registry)

	ring := keyring.NewRing()
	keyPath := filepath.Join(cfg.KeyDir, pki.PrivateKeyFile)

	rotationAgent := rotation.NewAgent(cfg.DeviceID, cfg.KeyDir, issuer,
		rotation.WithInterval(cfg.Rotation.Interval),
		rotation.WithCooldown(cfg.Rotation.Cooldown),
		rotation.WithRenewBefore(cfg.Rotation.RenewBefore),
		rotation.WithRotationHook(func(*pki.IssuedBundle) { metrics.CertificateRotated() }),
		rotation.WithLogger(log.Named("rotation")))

	loader := keyring.NewLoader(keyPath, ring, keyring.NewFileWatcher(keyPath, log.Named("keywatch")),
		keyring.WithInstallHook(func(b *keyring.Bundle) { metrics.KeyInstalled(b.Generation) }),
		keyring.WithLoaderLogger(log.Named("keyring")))

	hub := display.NewHub(
		display.WithOriginPatterns(cfg.Display.AllowedOrigins...),
		display.WithLogger(log.Named("display")))

	decryptor := pipeline.NewDecryptor(ring, hub,
		pipeline.WithDecryptorMetrics(metrics),
		pipeline.WithDecryptorLogger(log.Named("decryptor")))

	return &Agent{
		config:   cfg,
		log:      log,
		registry: registry,
		broker:   b,
		queue:    q,
		ring:     ring,
		rotation: rotationAgent,
		loader:   loader,
		ingestor: pipeline.NewIngestor(b, q,
			pipeline.WithRetryPolicy(cfg.Queue.RetryPolicy()),
			pipeline.WithIngestorMetrics(metrics),
			pipeline.WithIngestorLogger(log.Named("ingestor"))),
		workers: queue.NewWorkerPool(q, decryptor.Handle,
			queue.WithConcurrency(cfg.Queue.Concurrency),
			queue.WithObserver(metrics.ObserveJob),
			queue.WithWorkerLogger(log.Named("worker"))),
		hub:    hub,
		server: display.NewServer(cfg.Display.ListenAddress, hub, registry, log.Named("http")),
	}, nil
}

func newQueue(cfg types.QueueConfig) (queue.Queue, error) {
	switch cfg.Backend {
	case types.QueueBackendMemory:
		return queue.NewMemoryQueue(queue.WithRetention(cfg.Retention)), nil
	case types.QueueBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return queue.NewRedisQueue(client, cfg.Name, queue.WithRedisRetention(int64(cfg.Retention))), nil
	default:
		return nil, types.ConfigError(fmt.Errorf("unknown queue backend %q", cfg.Backend))
	}
}

// Start makes sure a key is installed, then runs every component in the background. The broker
// subscription is in place when Start returns.
func (a *Agent) Start(ctx context.Context) error {
	a.log.Infow("Starting receiver",
		"deviceId", a.config.DeviceID,
		"keyDir", a.config.KeyDir,
		"queue", a.config.Queue.Backend,
		"concurrency", a.config.Queue.Concurrency)

	if err := a.rotation.EnsureKeys(ctx); err != nil {
		return err
	}
	if _, err := a.loader.Load(); err != nil {
		return err
	}

	if rq, ok := a.queue.(*queue.RedisQueue); ok {
		requeued, deadLettered, err := rq.RecoverActive(ctx)
		if err != nil {
			return err
		}
		if requeued+deadLettered > 0 {
			a.log.Infow("Recovered interrupted jobs", "requeued", requeued, "deadLettered", deadLettered)
		}
	}

	sub, err := a.ingestor.Start()
	if err != nil {
		return fmt.Errorf("failed to subscribe to telemetry: %w", err)
	}

	ctx, a.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.rotation.Run(ctx) })
	g.Go(func() error { return a.loader.Run(ctx) })
	g.Go(func() error { return a.workers.Run(ctx) })
	g.Go(func() error { return a.server.Start(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return sub.Unsubscribe()
	})
	a.group = g

	a.log.Infow("Receiver started",
		"subject", broker.TelemetryWildcard,
		"display", a.config.Display.ListenAddress,
		"keyGeneration", a.ring.Snapshot().Generation)
	return nil
}

// Wait blocks until a component fails or the receiver is stopped.
func (a *Agent) Wait() error {
	if a.group == nil {
		return nil
	}
	return a.group.Wait()
}

// Stop cancels every component, waits for in-flight jobs and releases the broker and the queue.
func (a *Agent) Stop() error {
	a.log.Infow("Stopping receiver")

	var result *multierror.Error
	if a.cancel != nil {
		a.cancel()
		if err := a.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, err)
		}
	}
	if err := a.broker.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close broker: %w", err))
	}
	if err := a.queue.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close queue: %w", err))
	}

	a.log.Infow("Receiver stopped")
	return result.ErrorOrNil()
}

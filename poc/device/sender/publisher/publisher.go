// Package publisher simulates cars that seal their sensor readings for the receiver and publish
// them on the broker.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/poc/device/agent/types"
	"github.com/margo/sealed-telemetry/poc/device/sender/discovery"
	"github.com/margo/sealed-telemetry/shared-lib/broker"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

// DefaultInterval is the publish interval.
const DefaultInterval = time.Second

// Sealer encrypts a plaintext for the receiver. It returns discovery.ErrNoKey while no key is
// known.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
}

type Publisher struct {
	cars     []string
	sealer   Sealer
	broker   broker.Broker
	interval time.Duration
	now      func() time.Time
	metrics  *Metrics
	log      *zap.SugaredLogger

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Publisher)

func WithInterval(d time.Duration) Option {
	return func(p *Publisher) { p.interval = d }
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithRand sets the source of simulated sensor values.
func WithRand(rng *rand.Rand) Option {
	return func(p *Publisher) { p.rng = rng }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Publisher) { p.log = log }
}

func NewPublisher(cars []string, sealer Sealer, b broker.Broker, opts ...Option) *Publisher {
	p := &Publisher{
		cars:     cars,
		sealer:   sealer,
		broker:   b,
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	p.log = logging.OrNop(p.log)
	return p
}

// PublishOnce publishes one reading per car and returns how many were published. The whole tick
// is skipped while no receiver key is known.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	now := p.now()
	var result *multierror.Error
	published := 0

	for _, carID := range p.cars {
		sealed, err := p.seal(carID, now)
		if errors.Is(err, discovery.ErrNoKey) {
			p.log.Warnw("Public key not yet available, skipping tick")
			p.metrics.recordSkippedTick()
			return 0, nil
		}
		if err != nil {
			result = multierror.Append(result, types.PublishError(err).WithContext("carId", carID))
			p.metrics.recordFailure(carID)
			continue
		}

		subject := broker.TelemetrySubject(carID)
		if err := p.broker.Publish(ctx, subject, []byte(sealed)); err != nil {
			result = multierror.Append(result, types.PublishError(err).WithContext("carId", carID))
			p.metrics.recordFailure(carID)
			continue
		}
		p.metrics.recordPublished(carID)
		p.log.Debugw("Published sealed reading", "carId", carID, "subject", subject)
		published++
	}
	return published, result.ErrorOrNil()
}

func (p *Publisher) seal(carID string, now time.Time) (string, error) {
	p.rngMu.Lock()
	reading := SimulateReading(carID, now, p.rng)
	p.rngMu.Unlock()

	plaintext, err := json.Marshal(reading)
	if err != nil {
		return "", fmt.Errorf("failed to encode reading: %w", err)
	}
	return p.sealer.Seal(plaintext)
}

// Run publishes every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	p.log.Infow("Starting publisher", "cars", p.cars, "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.PublishOnce(ctx); err != nil {
				p.log.Errorw("Publishing failed", "error", err)
			}
		case <-ctx.Done():
			p.log.Infow("Publisher shutting down")
			return nil
		}
	}
}

package pipeline

import (
	"context"

	"github.com/kr/pretty"
	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/poc/device/agent/keyring"
	"github.com/margo/sealed-telemetry/poc/device/agent/types"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
	"github.com/margo/sealed-telemetry/shared-lib/queue"
)

// Decryptor turns decrypt jobs into display events. Its Handle method is a queue.Handler.
type Decryptor struct {
	ring    *keyring.Ring
	emitter Emitter
	metrics *Metrics
	log     *zap.SugaredLogger
}

type DecryptorOption func(*Decryptor)

func WithDecryptorMetrics(m *Metrics) DecryptorOption {
	return func(d *Decryptor) { d.metrics = m }
}

func WithDecryptorLogger(log *zap.SugaredLogger) DecryptorOption {
	return func(d *Decryptor) { d.log = log }
}

func NewDecryptor(ring *keyring.Ring, emitter Emitter, opts ...DecryptorOption) *Decryptor {
	d := &Decryptor{ring: ring, emitter: emitter}
	for _, opt := range opts {
		opt(d)
	}
	d.log = logging.OrNop(d.log)
	return d
}

// Handle opens the job payload with the key ring, parses the reading and emits it. Errors name the
// topic and job but never carry the payload or key material.
func (d *Decryptor) Handle(ctx context.Context, job *queue.Job) error {
	topic := job.Data.Topic

	plaintext, usedPrevious, err := d.ring.Open(job.Data.Payload)
	if err != nil {
		d.metrics.attemptFailed("decrypt")
		return types.DecryptionError(types.OperationDecrypting, err).
			WithContext("topic", topic).
			WithContext("jobId", job.ID)
	}

	reading, err := ParseReading(plaintext)
	if err != nil {
		d.metrics.attemptFailed("parse")
		return types.DecryptionError(types.OperationParsingReading, err).
			WithContext("topic", topic).
			WithContext("jobId", job.ID)
	}

	d.metrics.readingDecrypted(usedPrevious)
	if usedPrevious {
		d.log.Infow("Decrypted with previous key", "topic", topic, "jobId", job.ID)
	}
	d.log.Debugw("Decrypted reading", "topic", topic, "reading", pretty.Sprint(reading))

	d.emitter.Emit(Event{Topic: topic, Reading: *reading})
	return nil
}

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL           string        `yaml:"url" validate:"required"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnectWait"`
	// MaxReconnects of -1 retries forever.
	MaxReconnects int `yaml:"maxReconnects"`
}

// SetDefaults fills unset fields.
func (c *NATSConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
}

// NATSBroker publishes and subscribes through a NATS connection.
type NATSBroker struct {
	conn *nats.Conn
	log  *zap.SugaredLogger
}

// ConnectNATS dials the server in cfg. The connection reconnects on its own after a drop.
func ConnectNATS(cfg NATSConfig, log *zap.SugaredLogger) (*NATSBroker, error) {
	cfg.SetDefaults()
	log = logging.OrNop(log)

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("Disconnected from broker", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("Reconnected to broker", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Errorw("Broker error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", cfg.URL, err)
	}

	log.Infow("Connected to broker", "url", cfg.URL)
	return &NATSBroker{conn: conn, log: log}, nil
}

func (b *NATSBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(subject string, handler Handler) (Subscription, error) {
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains subscriptions so pending messages are delivered, then closes the connection.
func (b *NATSBroker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain broker connection: %w", err)
	}
	return nil
}

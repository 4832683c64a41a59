// Package broker is a small publish/subscribe abstraction over NATS subjects.
//
// Subjects are dot separated. In subscriptions "*" matches exactly one token and ">" matches
// one or more trailing tokens.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned when publishing or subscribing on a closed broker.
var ErrClosed = errors.New("broker is closed")

// Message is one delivery.
type Message struct {
	Subject string
	Data    []byte
}

// Handler receives messages for a subscription. It is called from the broker's delivery goroutine
// and must not block for long.
type Handler func(msg Message)

// Subscription can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// Broker is implemented by the NATS adapter and the in-memory broker.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close() error
}

const (
	telemetryPrefix = "car."
	telemetrySuffix = ".data"

	// TelemetryWildcard matches the telemetry subject of every car.
	TelemetryWildcard = "car.*.data"
)

// TelemetrySubject returns the subject a car publishes its readings on.
func TelemetrySubject(carID string) string {
	return telemetryPrefix + carID + telemetrySuffix
}

// CarIDFromSubject extracts the car id from a telemetry subject.
func CarIDFromSubject(subject string) (string, error) {
	if !strings.HasPrefix(subject, telemetryPrefix) || !strings.HasSuffix(subject, telemetrySuffix) {
		return "", fmt.Errorf("not a telemetry subject: %q", subject)
	}
	id := strings.TrimSuffix(strings.TrimPrefix(subject, telemetryPrefix), telemetrySuffix)
	if id == "" || strings.Contains(id, ".") {
		return "", fmt.Errorf("not a telemetry subject: %q", subject)
	}
	return id, nil
}

// MatchSubject reports whether subject is matched by pattern.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Package pipeline moves sealed telemetry from the broker into the job queue and turns each job
// into a decrypted reading for the display.
package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Reading is one decrypted sensor document.
type Reading struct {
	CarID     string             `json:"carId"`
	Timestamp time.Time          `json:"timestamp"`
	Sensors   map[string]float64 `json:"sensors"`
}

// SensorValue accepts a JSON number or a numeric string such as "21.50".
type SensorValue float64

func (v *SensorValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("sensor value %q is not numeric", s)
		}
		*v = SensorValue(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("sensor value %s is not numeric", data)
	}
	*v = SensorValue(f)
	return nil
}

// ParseReading decodes a decrypted document.
func ParseReading(data []byte) (*Reading, error) {
	var raw struct {
		CarID     string                 `json:"carId"`
		Timestamp time.Time              `json:"timestamp"`
		Sensors   map[string]SensorValue `json:"sensors"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid reading: %w", err)
	}
	if raw.CarID == "" {
		return nil, errors.New("invalid reading: missing carId")
	}

	r := &Reading{
		CarID:     raw.CarID,
		Timestamp: raw.Timestamp,
		Sensors:   make(map[string]float64, len(raw.Sensors)),
	}
	for name, v := range raw.Sensors {
		r.Sensors[name] = float64(v)
	}
	return r, nil
}

// Event is what the display receives for each reading.
type Event struct {
	Topic   string
	Reading Reading
}

// MarshalJSON flattens the reading next to the topic.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Topic     string             `json:"topic"`
		CarID     string             `json:"carId"`
		Timestamp time.Time          `json:"timestamp"`
		Sensors   map[string]float64 `json:"sensors"`
	}{e.Topic, e.Reading.CarID, e.Reading.Timestamp, e.Reading.Sensors})
}

// Emitter forwards events to the display. Emit must not block on slow consumers.
type Emitter interface {
	Emit(event Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(event Event) { f(event) }

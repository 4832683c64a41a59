package publisher

import (
	"math/rand/v2"
	"strconv"
	"time"
)

// TimestampLayout renders UTC timestamps with millisecond precision, e.g. 2026-10-16T10:00:00.000Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Sensors carries every value as a string with two decimals.
type Sensors struct {
	Temperature string `json:"temperature"`
	Humidity    string `json:"humidity"`
	Speed       string `json:"speed"`
	Battery     string `json:"battery"`
	Pressure    string `json:"pressure"`
}

// Reading is the plaintext document sealed for the receiver.
type Reading struct {
	CarID     string  `json:"carId"`
	Timestamp string  `json:"timestamp"`
	Sensors   Sensors `json:"sensors"`
}

type sensorRange struct {
	min, span float64
}

var (
	temperatureRange = sensorRange{min: 10, span: 40}
	humidityRange    = sensorRange{span: 100}
	speedRange       = sensorRange{span: 120}
	batteryRange     = sensorRange{span: 100}
	pressureRange    = sensorRange{min: 950, span: 50}
)

func (r sensorRange) sample(rng *rand.Rand) string {
	return strconv.FormatFloat(r.min+rng.Float64()*r.span, 'f', 2, 64)
}

// SimulateReading produces a random reading for carID taken at now.
func SimulateReading(carID string, now time.Time, rng *rand.Rand) Reading {
	return Reading{
		CarID:     carID,
		Timestamp: now.UTC().Format(TimestampLayout),
		Sensors: Sensors{
			Temperature: temperatureRange.sample(rng),
			Humidity:    humidityRange.sample(rng),
			Speed:       speedRange.sample(rng),
			Battery:     batteryRange.sample(rng),
			Pressure:    pressureRange.sample(rng),
		},
	}
}

package hardware

import (
	"math"

	"github.com/shopspring/decimal"
)

var nanosPerSecond = decimal.NewFromInt(1_000_000_000)

// SamplePeriod returns the time between two samples in ns.
func SamplePeriod(sampleRate float64) float64 {
	return 1e9 / sampleRate
}

// Samples returns ceil(duration × sampleRate) for a duration in ns and a
// rate in Sa/s. The product is computed in decimal so that e.g. 70 ns at
// 1 GS/s never turns into 71 samples through binary round-off.
func Samples(duration, sampleRate float64) int {
	if duration <= 0 || sampleRate <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return 0
	}
	return int(scaled(duration, sampleRate).Ceil().IntPart())
}

// SamplesRound returns round(t × sampleRate) for a time in ns. Negative times
// yield negative sample offsets.
func SamplesRound(t, sampleRate float64) int {
	if sampleRate <= 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		return 0
	}
	return int(scaled(t, sampleRate).Round(0).IntPart())
}

func scaled(t, sampleRate float64) decimal.Decimal {
	return decimal.NewFromFloat(t).Mul(decimal.NewFromFloat(sampleRate)).Div(nanosPerSecond)
}

// Granular rounds n up to the next multiple of granularity.
func Granular(n, granularity int) int {
	if granularity <= 1 || n <= 0 {
		return n
	}
	return ((n + granularity - 1) / granularity) * granularity
}

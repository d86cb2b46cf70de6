package noise

import (
	"log/slog"
	"math"
	"math/rand"
	"time"

	"subengine/internal/models"
)

// Engine draws bounded perturbations for payment amounts and timing.
// The random source is constructor-injected so tests can be deterministic
// and multiple isolated instances can coexist.
type Engine struct {
	rng *rand.Rand
}

// NewEngine creates an Engine backed by the given random source.
func NewEngine(rng *rand.Rand) *Engine {
	return &Engine{rng: rng}
}

// NewEngineSeeded creates an Engine with a time-seeded source.
func NewEngineSeeded() *Engine {
	return &Engine{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ApplyAmountNoise perturbs baseAmount within ±noisePct. When a hint of
// remaining payments is available the draw is biased to pull the cumulative
// over/under-payment back toward zero, so the total contracted amount never
// drifts by more than one payment's worth over the life of the stream.
// The returned amount is always strictly positive; delta is amount-base.
func (e *Engine) ApplyAmountNoise(baseAmount, noisePct, cumulative float64, remainingHint int) (float64, float64) {
	if baseAmount <= 0 || noisePct <= 0 {
		return baseAmount, 0
	}

	window := baseAmount * noisePct

	// Center of the draw: zero, or the per-payment correction that would
	// walk the accumulated drift back to zero over the remaining payments.
	center := 0.0
	if remainingHint > 0 {
		center = clamp(-cumulative/float64(remainingHint), -window, window)
	}

	delta := clamp(center+(e.rng.Float64()*2-1)*window, -window, window)
	adjusted := baseAmount + delta

	// Never emit a non-positive amount, even with noisePct >= 1
	if adjusted <= 0 {
		adjusted = math.Max(baseAmount*0.01, math.SmallestNonzeroFloat64)
		delta = adjusted - baseAmount
	}

	return adjusted, delta
}

// ApplyTimingNoise perturbs base uniformly within ±noiseHours.
func (e *Engine) ApplyTimingNoise(base time.Time, noiseHours float64) time.Time {
	if noiseHours <= 0 {
		return base
	}
	offset := (e.rng.Float64()*2 - 1) * noiseHours * float64(time.Hour)
	return base.Add(time.Duration(offset))
}

// ClampPaymentTime bounds a noisy trigger time so the scheduler can never
// skip a cycle: the result is always before base+interval and never before
// notBefore (the stream's creation time).
func ClampPaymentTime(noisy, base time.Time, interval time.Duration, notBefore time.Time) time.Time {
	upper := base.Add(interval)
	if !noisy.Before(upper) {
		noisy = upper.Add(-time.Minute)
	}
	if noisy.Before(notBefore) {
		noisy = notBefore
	}
	if !noisy.Before(upper) {
		// Degenerate window (interval shorter than the clamp margin)
		noisy = base
	}
	return noisy
}

// UpdateNoiseAdjustment folds a payment's delta into the stream's running
// accumulator. For unbounded streams (no payment cap or end date) the drift
// is unbounded by construction; it is logged once it exceeds one payment's
// worth so it is visible rather than silently assumed.
func UpdateNoiseAdjustment(stream *models.Stream, delta float64) {
	stream.NoiseAdjustment += delta
	if stream.AmountPerPayment > 0 && math.Abs(stream.NoiseAdjustment) > stream.AmountPerPayment {
		slog.Debug("Noise adjustment exceeds one payment",
			"stream_id", stream.ID,
			"adjustment", stream.NoiseAdjustment,
			"amount_per_payment", stream.AmountPerPayment,
		)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

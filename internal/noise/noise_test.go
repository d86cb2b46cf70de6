package noise

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"subengine/internal/models"
)

func newTestEngine() *Engine {
	return NewEngine(rand.New(rand.NewSource(42)))
}

func TestApplyAmountNoise_Bounds(t *testing.T) {
	e := newTestEngine()

	base := 100.0
	pct := 0.05

	for i := 0; i < 1000; i++ {
		amount, delta := e.ApplyAmountNoise(base, pct, 0, 0)

		if amount <= 0 {
			t.Fatalf("amount must be strictly positive, got %f", amount)
		}
		if amount < base*(1-pct)-1e-9 || amount > base*(1+pct)+1e-9 {
			t.Fatalf("amount %f outside [%f, %f]", amount, base*(1-pct), base*(1+pct))
		}
		if math.Abs(amount-base-delta) > 1e-9 {
			t.Fatalf("delta %f inconsistent with amount %f", delta, amount)
		}
	}
}

func TestApplyAmountNoise_ZeroNoise(t *testing.T) {
	e := newTestEngine()

	amount, delta := e.ApplyAmountNoise(50, 0, 0, 10)
	if amount != 50 || delta != 0 {
		t.Errorf("expected passthrough with zero noise, got amount=%f delta=%f", amount, delta)
	}
}

func TestApplyAmountNoise_CumulativeDriftBounded(t *testing.T) {
	e := newTestEngine()

	base := 10.0
	pct := 0.10
	totalPayments := 100

	cumulative := 0.0
	for i := 0; i < totalPayments; i++ {
		remaining := totalPayments - i
		_, delta := e.ApplyAmountNoise(base, pct, cumulative, remaining)
		cumulative += delta
	}

	// Drift over the stream's life stays bounded by one payment's amount
	if math.Abs(cumulative) > base {
		t.Errorf("cumulative drift %f exceeds one payment amount %f", cumulative, base)
	}
}

func TestApplyAmountNoise_BiasPullsTowardZero(t *testing.T) {
	e := newTestEngine()

	// With a large positive cumulative, the biased draw should push negative
	negative := 0
	for i := 0; i < 200; i++ {
		_, delta := e.ApplyAmountNoise(100, 0.05, 50, 10)
		if delta < 0 {
			negative++
		}
	}
	if negative < 150 {
		t.Errorf("expected strong negative bias, got %d/200 negative deltas", negative)
	}
}

func TestApplyTimingNoise_Bounds(t *testing.T) {
	e := newTestEngine()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hours := 6.0

	for i := 0; i < 500; i++ {
		noisy := e.ApplyTimingNoise(base, hours)
		diff := noisy.Sub(base)
		if diff < -6*time.Hour || diff > 6*time.Hour {
			t.Fatalf("timing offset %v outside ±6h", diff)
		}
	}
}

func TestClampPaymentTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	interval := 24 * time.Hour
	created := base.Add(-30 * 24 * time.Hour)

	tests := []struct {
		name  string
		noisy time.Time
	}{
		{"within window", base.Add(2 * time.Hour)},
		{"at next cycle", base.Add(interval)},
		{"past next cycle", base.Add(interval + time.Hour)},
		{"before creation", created.Add(-time.Hour)},
		{"far before base", base.Add(-48 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClampPaymentTime(tt.noisy, base, interval, created)
			if !result.Before(base.Add(interval)) {
				t.Errorf("result %v lands at/after next cycle %v", result, base.Add(interval))
			}
			if result.Before(created) {
				t.Errorf("result %v is before creation time %v", result, created)
			}
		})
	}
}

func TestUpdateNoiseAdjustment(t *testing.T) {
	stream := &models.Stream{ID: "s1", AmountPerPayment: 10}

	UpdateNoiseAdjustment(stream, 2.5)
	UpdateNoiseAdjustment(stream, -1.0)

	if math.Abs(stream.NoiseAdjustment-1.5) > 1e-9 {
		t.Errorf("expected adjustment 1.5, got %f", stream.NoiseAdjustment)
	}
}

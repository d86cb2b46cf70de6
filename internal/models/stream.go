package models

import "time"

// StreamStatus is the lifecycle state of a stream.
// cancelled and completed are terminal: once set they are never
// overwritten by a remote merge.
type StreamStatus string

const (
	StreamActive    StreamStatus = "active"
	StreamPaused    StreamStatus = "paused"
	StreamCancelled StreamStatus = "cancelled"
	StreamCompleted StreamStatus = "completed"
	StreamFailed    StreamStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s StreamStatus) Terminal() bool {
	return s == StreamCancelled || s == StreamCompleted
}

// Direction of the payment flow relative to the local wallet
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Frequency of recurring payments
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyCustom   Frequency = "custom" // every CustomDays days
)

// Interval returns the schedule interval for the frequency.
// customDays is only consulted for FrequencyCustom; zero falls back to daily.
func (f Frequency) Interval(customDays int) time.Duration {
	day := 24 * time.Hour
	switch f {
	case FrequencyDaily:
		return day
	case FrequencyWeekly:
		return 7 * day
	case FrequencyBiweekly:
		return 14 * day
	case FrequencyMonthly:
		return 30 * day
	case FrequencyCustom:
		if customDays <= 0 {
			return day
		}
		return time.Duration(customDays) * day
	default:
		return day
	}
}

// StreamPayment is one executed (or attempted) payment on a stream
type StreamPayment struct {
	ScheduledAmount float64   `json:"scheduled_amount"`
	ActualAmount    float64   `json:"actual_amount"`
	NoiseDelta      float64   `json:"noise_delta"`
	LedgerRef       string    `json:"ledger_ref,omitempty"` // tx signature/hash
	Timestamp       time.Time `json:"timestamp"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
}

// Stream represents a recurring payment commitment.
// The cached Status field is re-derived from the store's auxiliary ID sets
// after every load and merge; the sets are the source of truth.
type Stream struct {
	// Identity
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Recipient string    `json:"recipient"`
	Direction Direction `json:"direction"`
	TokenID   string    `json:"token_id,omitempty"` // empty = native asset
	Origin    string    `json:"origin,omitempty"`   // client that created the subscription

	// Economics
	TotalAmount       float64 `json:"total_amount"`
	AmountPerPayment  float64 `json:"amount_per_payment"`
	AmountStreamed    float64 `json:"amount_streamed"`
	PaymentsCompleted int     `json:"payments_completed"`
	TotalPayments     int     `json:"total_payments,omitempty"` // 0 = no cap

	// Timing
	Frequency       Frequency  `json:"frequency"`
	CustomDays      int        `json:"custom_days,omitempty"`
	StartDate       time.Time  `json:"start_date"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	NextPaymentDate time.Time  `json:"next_payment_date"`
	// NoisyPaymentDate is the actual trigger time when timing noise is on
	NoisyPaymentDate *time.Time `json:"noisy_payment_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`

	// Privacy knobs
	AmountNoise       float64 `json:"amount_noise,omitempty"` // ± fraction per payment (0.05 = ±5%)
	TimingNoise       float64 `json:"timing_noise,omitempty"` // ± hours per payment
	UseStealthAddress bool    `json:"use_stealth_address,omitempty"`
	// NoiseAdjustment is the running sum of over/under-payment caused by
	// amount noise, used to keep the long-run average on target
	NoiseAdjustment float64 `json:"noise_adjustment,omitempty"`

	Status   StreamStatus    `json:"status"`
	Payments []StreamPayment `json:"payments,omitempty"`
}

// Interval returns the stream's schedule interval.
func (s *Stream) Interval() time.Duration {
	return s.Frequency.Interval(s.CustomDays)
}

// DueDate returns the timestamp the scheduler compares against "now":
// the noisy date when timing noise is enabled, the base date otherwise.
func (s *Stream) DueDate() time.Time {
	if s.TimingNoise > 0 && s.NoisyPaymentDate != nil {
		return *s.NoisyPaymentDate
	}
	return s.NextPaymentDate
}

// CapReached reports whether the payment cap or end date has been hit.
func (s *Stream) CapReached(now time.Time) bool {
	if s.TotalPayments > 0 && s.PaymentsCompleted >= s.TotalPayments {
		return true
	}
	if s.EndDate != nil && !now.Before(*s.EndDate) {
		return true
	}
	return false
}

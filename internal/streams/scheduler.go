package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go/strkey"

	"subengine/internal/chain"
	"subengine/internal/codec"
	"subengine/internal/decoy"
	"subengine/internal/metrics"
	"subengine/internal/models"
	"subengine/internal/noise"
)

// publishAmount is the self-transfer amount used to carry a subscription
// memo on chain: one stroop, so publishing costs ≈ fee only
const publishAmount = 0.0000001

// ErrNotActive is returned when a payment is requested on a stream that is
// not in active status
var ErrNotActive = errors.New("stream is not active")

// CreateParams are the inputs to stream creation
type CreateParams struct {
	Name              string
	Recipient         string
	TotalAmount       float64
	Frequency         models.Frequency
	CustomDays        int
	StartDate         time.Time // zero = now
	EndDate           *time.Time
	AmountNoise       float64 // ± fraction per payment
	TimingNoise       float64 // ± hours per payment
	UseStealthAddress bool
	TokenID           string
	Origin            string
}

// PrivateSubmitter routes a transfer through a decoy batch before the real
// payment. The decoy generator implements it.
type PrivateSubmitter interface {
	SendPrivateTransaction(ctx context.Context, level decoy.PrivacyLevel, destination string, amount float64, memo string) (*decoy.SendResult, error)
}

// Scheduler creates streams and executes due payments
type Scheduler struct {
	store      *Store
	noise      *noise.Engine
	submitter  chain.TransferSubmitter
	private    PrivateSubmitter
	ownAddress string
	now        func() time.Time

	mu       sync.Mutex
	inFlight bool
}

// NewScheduler creates a scheduler. ownAddress is the wallet's own account,
// used as the destination of memo-publishing self-transfers.
func NewScheduler(store *Store, engine *noise.Engine, submitter chain.TransferSubmitter, ownAddress string) *Scheduler {
	return &Scheduler{
		store:      store,
		noise:      engine,
		submitter:  submitter,
		ownAddress: ownAddress,
		now:        time.Now,
	}
}

// WithPrivateSubmitter enables decoy batches for stealth streams
func (s *Scheduler) WithPrivateSubmitter(private PrivateSubmitter) *Scheduler {
	s.private = private
	return s
}

// CreateStream validates params, derives the per-payment amount and
// schedule, persists the stream and best-effort publishes its creation
// record on chain so a second client can discover it.
func (s *Scheduler) CreateStream(ctx context.Context, params CreateParams) (*models.Stream, error) {
	if !strkey.IsValidEd25519PublicKey(params.Recipient) {
		return nil, fmt.Errorf("invalid recipient address %q", params.Recipient)
	}
	if params.TotalAmount <= 0 {
		return nil, fmt.Errorf("total amount must be positive, got %f", params.TotalAmount)
	}
	if params.Frequency == models.FrequencyCustom && params.CustomDays <= 0 {
		return nil, fmt.Errorf("custom frequency requires a positive day count")
	}

	now := s.now()
	start := params.StartDate
	if start.IsZero() {
		start = now
	}
	interval := params.Frequency.Interval(params.CustomDays)

	amountPerPayment, totalPayments, err := splitBudget(params.TotalAmount, params.Frequency, params.CustomDays, start, params.EndDate)
	if err != nil {
		return nil, err
	}

	stream := &models.Stream{
		ID:                uuid.NewString(),
		Name:              params.Name,
		Recipient:         params.Recipient,
		Direction:         models.DirectionOutgoing,
		TokenID:           params.TokenID,
		Origin:            params.Origin,
		TotalAmount:       params.TotalAmount,
		AmountPerPayment:  amountPerPayment,
		TotalPayments:     totalPayments,
		Frequency:         params.Frequency,
		CustomDays:        params.CustomDays,
		StartDate:         start,
		EndDate:           params.EndDate,
		NextPaymentDate:   start.Add(interval),
		CreatedAt:         now,
		AmountNoise:       params.AmountNoise,
		TimingNoise:       params.TimingNoise,
		UseStealthAddress: params.UseStealthAddress,
		Status:            models.StreamActive,
	}

	if stream.TimingNoise > 0 {
		noisy := noise.ClampPaymentTime(
			s.noise.ApplyTimingNoise(stream.NextPaymentDate, stream.TimingNoise),
			stream.NextPaymentDate, interval, stream.CreatedAt,
		)
		stream.NoisyPaymentDate = &noisy
	}

	if err := s.store.Put(ctx, stream); err != nil {
		return nil, err
	}

	s.publishCreation(ctx, stream)

	slog.Info("Stream created",
		"stream_id", stream.ID,
		"recipient", stream.Recipient,
		"amount_per_payment", stream.AmountPerPayment,
		"frequency", stream.Frequency,
		"total_payments", stream.TotalPayments,
	)
	return s.store.Get(stream.ID)
}

// splitBudget derives the per-payment amount. With an end date the total is
// spread evenly over the computed payment count; without one, the total is
// treated as a rolling monthly budget split per frequency.
func splitBudget(total float64, frequency models.Frequency, customDays int, start time.Time, end *time.Time) (float64, int, error) {
	if end != nil {
		if !end.After(start) {
			return 0, 0, fmt.Errorf("end date %v is not after start %v", end, start)
		}
		interval := frequency.Interval(customDays)
		count := int(end.Sub(start) / interval)
		if count < 1 {
			count = 1
		}
		return total / float64(count), count, nil
	}

	switch frequency {
	case models.FrequencyDaily:
		return total / 30, 0, nil
	case models.FrequencyWeekly:
		return total / 4, 0, nil
	case models.FrequencyBiweekly:
		return total / 2, 0, nil
	case models.FrequencyMonthly:
		return total, 0, nil
	case models.FrequencyCustom:
		return total * float64(customDays) / 30, 0, nil
	default:
		return 0, 0, fmt.Errorf("unknown frequency %q", frequency)
	}
}

// ProcessDuePayments scans for due payments and executes them. Skips
// entirely if a previous scan is still in flight.
func (s *Scheduler) ProcessDuePayments(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		slog.Debug("Due-payment scan already in flight, skipping")
		return nil
	}
	s.inFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	now := s.now()
	for _, stream := range s.store.List() {
		if stream.Status != models.StreamActive {
			continue
		}
		if now.Before(stream.DueDate()) {
			continue
		}
		if err := s.ProcessStreamPayment(ctx, stream.ID); err != nil {
			slog.Error("Stream payment failed",
				"stream_id", stream.ID,
				"error", err,
			)
			metrics.ErrorsTotal.WithLabelValues("scheduler").Inc()
			// Failures are recorded on the stream; keep scanning
		}
	}
	return nil
}

// ProcessStreamPayment executes one payment for the stream. No-op unless
// the stream is active. On transfer failure the failed attempt is recorded
// and the stream stays active; the payment is retried on the next due scan.
func (s *Scheduler) ProcessStreamPayment(ctx context.Context, id string) error {
	stream, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if stream.Status != models.StreamActive {
		return nil
	}

	base := stream.AmountPerPayment
	amount, delta := base, 0.0
	if stream.AmountNoise > 0 {
		remaining := 0
		if stream.TotalPayments > 0 {
			remaining = stream.TotalPayments - stream.PaymentsCompleted
		}
		amount, delta = s.noise.ApplyAmountNoise(base, stream.AmountNoise, stream.NoiseAdjustment, remaining)
	}

	now := s.now()
	var result *chain.SubmitResult
	var submitErr error
	if s.private != nil && stream.UseStealthAddress {
		sent, err := s.private.SendPrivateTransaction(ctx, privacyLevelFor(stream), stream.Recipient, amount, "")
		submitErr = err
		if err == nil {
			result = sent.Real
		}
	} else {
		result, submitErr = s.submitter.SubmitTransfer(ctx, stream.Recipient, amount, "")
	}

	if submitErr != nil {
		metrics.PaymentFailures.Inc()
		return s.store.Update(ctx, id, func(st *models.Stream) error {
			st.Payments = append(st.Payments, models.StreamPayment{
				ScheduledAmount: base,
				ActualAmount:    amount,
				NoiseDelta:      delta,
				Timestamp:       now,
				Success:         false,
				Error:           submitErr.Error(),
			})
			return nil
		})
	}

	metrics.PaymentsSent.Inc()
	metrics.PaymentAmount.Observe(amount)

	return s.store.Update(ctx, id, func(st *models.Stream) error {
		st.Payments = append(st.Payments, models.StreamPayment{
			ScheduledAmount: base,
			ActualAmount:    amount,
			NoiseDelta:      delta,
			LedgerRef:       result.Signature,
			Timestamp:       now,
			Success:         true,
		})
		st.PaymentsCompleted++
		st.AmountStreamed += amount
		noise.UpdateNoiseAdjustment(st, delta)

		interval := st.Interval()
		st.NextPaymentDate = st.NextPaymentDate.Add(interval)
		st.NoisyPaymentDate = nil
		if st.TimingNoise > 0 {
			noisy := noise.ClampPaymentTime(
				s.noise.ApplyTimingNoise(st.NextPaymentDate, st.TimingNoise),
				st.NextPaymentDate, interval, st.CreatedAt,
			)
			st.NoisyPaymentDate = &noisy
		}

		if st.CapReached(now) {
			st.Status = models.StreamCompleted
			slog.Info("Stream completed",
				"stream_id", st.ID,
				"payments_completed", st.PaymentsCompleted,
				"amount_streamed", st.AmountStreamed,
			)
		}
		return nil
	})
}

// privacyLevelFor maps a stealth stream's amount noise to a decoy profile
func privacyLevelFor(stream *models.Stream) decoy.PrivacyLevel {
	switch {
	case stream.AmountNoise >= 0.15:
		return decoy.LevelMaximum
	case stream.AmountNoise >= 0.10:
		return decoy.LevelEnhanced
	default:
		return decoy.LevelStandard
	}
}

// Pause records durable pause intent and updates the status
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	if err := s.store.MarkPaused(ctx, id); err != nil {
		return err
	}
	slog.Info("Stream paused", "stream_id", id)
	return nil
}

// Resume lifts pause intent and recomputes the schedule from now
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	if err := s.store.ClearPaused(ctx, id); err != nil {
		return err
	}

	now := s.now()
	err := s.store.Update(ctx, id, func(st *models.Stream) error {
		if st.Status.Terminal() {
			return fmt.Errorf("cannot resume %s stream %s", st.Status, st.ID)
		}
		interval := st.Interval()
		st.NextPaymentDate = now.Add(interval)
		st.NoisyPaymentDate = nil
		if st.TimingNoise > 0 {
			noisy := noise.ClampPaymentTime(
				s.noise.ApplyTimingNoise(st.NextPaymentDate, st.TimingNoise),
				st.NextPaymentDate, interval, st.CreatedAt,
			)
			st.NoisyPaymentDate = &noisy
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("Stream resumed", "stream_id", id)
	return nil
}

// Cancel records durable cancel intent, then best-effort publishes the new
// status on chain so a second client can observe it. The local cancel
// succeeds even if publishing fails.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.store.MarkCancelled(ctx, id); err != nil {
		return err
	}

	memo, err := codec.EncodeUpdate(id, models.StreamCancelled, s.now())
	if err == nil {
		if _, perr := s.submitter.SubmitTransfer(ctx, s.ownAddress, publishAmount, memo); perr != nil {
			slog.Warn("Failed to publish cancel on chain",
				"stream_id", id,
				"error", perr,
			)
		}
	}

	slog.Info("Stream cancelled", "stream_id", id)
	return nil
}

// Delete tombstones the stream id forever and removes it locally
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.MarkDeleted(ctx, id); err != nil {
		return err
	}
	slog.Info("Stream deleted", "stream_id", id)
	return nil
}

// publishCreation publishes the creation record via a one-stroop
// self-transfer; failure is logged and otherwise ignored
func (s *Scheduler) publishCreation(ctx context.Context, stream *models.Stream) {
	memo, err := codec.EncodeCreation(stream)
	if err != nil {
		slog.Warn("Failed to encode creation record", "stream_id", stream.ID, "error", err)
		return
	}
	if _, err := s.submitter.SubmitTransfer(ctx, s.ownAddress, publishAmount, memo); err != nil {
		slog.Warn("Failed to publish creation on chain",
			"stream_id", stream.ID,
			"error", err,
		)
	}
}

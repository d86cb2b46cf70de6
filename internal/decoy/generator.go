// Package decoy generates batches of low-value transfers that run before a
// real transfer to obscure its timing and amount signature. Decoys are
// submitted sequentially: the batch must land before the real transfer.
package decoy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/stellar/go/keypair"

	"subengine/internal/backoff"
	"subengine/internal/chain"
	"subengine/internal/metrics"
)

// PrivacyLevel selects the decoy batch profile
type PrivacyLevel string

const (
	LevelStandard PrivacyLevel = "standard"
	LevelEnhanced PrivacyLevel = "enhanced"
	LevelMaximum  PrivacyLevel = "maximum"
)

// LevelConfig is the fixed profile of one privacy level
type LevelConfig struct {
	DecoyCount        int
	MinDelay          time.Duration
	MaxDelay          time.Duration
	AmountNoise       float64 // ± fraction applied on top of the base decoy amount
	SelfTransfer      bool    // decoys return to the sender (cost ≈ fee only)
	TimingObfuscation bool
}

var levelConfigs = map[PrivacyLevel]LevelConfig{
	LevelStandard: {
		DecoyCount:   2,
		MinDelay:     1 * time.Second,
		MaxDelay:     3 * time.Second,
		AmountNoise:  0.05,
		SelfTransfer: true,
	},
	LevelEnhanced: {
		DecoyCount:        4,
		MinDelay:          2 * time.Second,
		MaxDelay:          8 * time.Second,
		AmountNoise:       0.10,
		SelfTransfer:      true,
		TimingObfuscation: true,
	},
	LevelMaximum: {
		DecoyCount:        6,
		MinDelay:          3 * time.Second,
		MaxDelay:          15 * time.Second,
		AmountNoise:       0.15,
		SelfTransfer:      false, // fresh one-time addresses, amount is burned
		TimingObfuscation: true,
	},
}

// Decoy amounts are 5-15% of the real amount, clamped to a fixed absolute
// range and rounded to a fixed precision
const (
	decoyFractionMin = 0.05
	decoyFractionMax = 0.15
	decoyAmountMin   = 0.0001
	decoyAmountMax   = 5.0
	decoyPrecision   = 1e4 // 4 decimal places

	// perTxFee is the flat fee estimate per submitted transaction
	perTxFee = 0.00001
	// networkFeeReserve is the flat estimate added on top when validating
	// that the balance covers a private transaction
	networkFeeReserve = 0.001
)

// LevelFor returns the profile for a privacy level, defaulting to standard
func LevelFor(level PrivacyLevel) LevelConfig {
	if cfg, ok := levelConfigs[level]; ok {
		return cfg
	}
	return levelConfigs[LevelStandard]
}

// BatchResult reports the outcome of one decoy batch. A partial batch is
// still a usable privacy buffer: Success is true as long as any decoy
// landed (or none were requested).
type BatchResult struct {
	Attempted  int      `json:"attempted"`
	Sent       int      `json:"sent"`
	Signatures []string `json:"signatures,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	TotalCost  float64  `json:"total_cost"` // fees plus burned amounts
	Success    bool     `json:"success"`
}

// SendResult pairs the decoy batch outcome with the real transfer outcome.
// The batch result is always populated, even when the real transfer fails.
type SendResult struct {
	Decoys *BatchResult        `json:"decoys"`
	Real   *chain.SubmitResult `json:"real,omitempty"`
}

// Generator produces and submits decoy batches
type Generator struct {
	rng        *rand.Rand
	submitter  chain.TransferSubmitter
	balances   chain.BalanceQuerier
	ownAddress string
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewGenerator creates a decoy generator for the given wallet address
func NewGenerator(rng *rand.Rand, submitter chain.TransferSubmitter, balances chain.BalanceQuerier, ownAddress string) *Generator {
	return &Generator{
		rng:        rng,
		submitter:  submitter,
		balances:   balances,
		ownAddress: ownAddress,
		sleep:      backoff.Wait,
	}
}

// GenerateDecoys submits the decoy batch for a privacy level
func (g *Generator) GenerateDecoys(ctx context.Context, level PrivacyLevel, realAmount float64) *BatchResult {
	return g.GenerateBatch(ctx, LevelFor(level), realAmount)
}

// GenerateBatch submits a decoy batch for an explicit profile, sequentially
// with a random delay between decoys (none before the first). An individual
// decoy failure is recorded and the batch continues.
func (g *Generator) GenerateBatch(ctx context.Context, cfg LevelConfig, realAmount float64) *BatchResult {
	result := &BatchResult{Attempted: cfg.DecoyCount}

	for i := 0; i < cfg.DecoyCount; i++ {
		if i > 0 {
			if err := g.sleep(ctx, g.randomDelay(cfg)); err != nil {
				result.Errors = append(result.Errors, err.Error())
				break
			}
		}

		amount := g.decoyAmount(realAmount, cfg)
		destination := g.ownAddress
		if !cfg.SelfTransfer {
			// One-time throwaway address; the amount is not recovered
			destination = keypair.MustRandom().Address()
		}

		sub, err := g.submitter.SubmitTransfer(ctx, destination, amount, "")
		if err != nil {
			metrics.DecoyFailures.Inc()
			result.Errors = append(result.Errors, err.Error())
			slog.Warn("Decoy submission failed",
				"index", i,
				"error", err,
			)
			continue
		}

		metrics.DecoysSent.Inc()
		result.Sent++
		result.Signatures = append(result.Signatures, sub.Signature)
		result.TotalCost += perTxFee
		if !cfg.SelfTransfer {
			result.TotalCost += amount
		}
	}

	result.Success = result.Sent > 0 || result.Attempted == 0
	return result
}

// SendPrivateTransaction runs the decoy batch, waits one more random delay,
// then submits the real transfer. The batch result is returned alongside
// the real outcome even when the real transfer fails.
func (g *Generator) SendPrivateTransaction(ctx context.Context, level PrivacyLevel, destination string, amount float64, memo string) (*SendResult, error) {
	start := time.Now()
	defer func() {
		metrics.DecoyBatchDuration.Observe(time.Since(start).Seconds())
	}()

	cfg := LevelFor(level)
	batch := g.GenerateDecoys(ctx, level, amount)

	if batch.Attempted > 0 {
		if err := g.sleep(ctx, g.randomDelay(cfg)); err != nil {
			return &SendResult{Decoys: batch}, err
		}
	}

	real, err := g.submitter.SubmitTransfer(ctx, destination, amount, memo)
	if err != nil {
		return &SendResult{Decoys: batch}, fmt.Errorf("real transfer failed after decoy batch: %w", err)
	}

	slog.Info("Private transaction sent",
		"level", level,
		"decoys_sent", batch.Sent,
		"decoy_errors", len(batch.Errors),
		"signature", real.Signature,
	)
	return &SendResult{Decoys: batch, Real: real}, nil
}

// EstimateCost returns the worst-case cost of a private transaction: the
// real amount, per-decoy fees, burned decoy amounts for non-self-transfer
// levels, and the flat network fee reserve.
func EstimateCost(level PrivacyLevel, realAmount float64) float64 {
	cfg := LevelFor(level)
	cost := realAmount + float64(cfg.DecoyCount)*perTxFee + perTxFee + networkFeeReserve
	if !cfg.SelfTransfer {
		worstDecoy := math.Min(realAmount*decoyFractionMax*(1+cfg.AmountNoise), decoyAmountMax)
		cost += float64(cfg.DecoyCount) * worstDecoy
	}
	return cost
}

// ValidatePrivateTransactionBalance checks the wallet balance against the
// estimated total cost. Returns the estimate so callers can report it.
func (g *Generator) ValidatePrivateTransactionBalance(ctx context.Context, level PrivacyLevel, realAmount float64) (bool, float64, error) {
	balance, err := g.balances.GetBalance(ctx, g.ownAddress)
	if err != nil {
		return false, 0, fmt.Errorf("failed to fetch balance: %w", err)
	}
	required := EstimateCost(level, realAmount)
	return balance >= required, required, nil
}

// decoyAmount draws 5-15% of the real amount, perturbs it by the level
// noise, clamps to the fixed absolute range and rounds to fixed precision
func (g *Generator) decoyAmount(realAmount float64, cfg LevelConfig) float64 {
	fraction := decoyFractionMin + g.rng.Float64()*(decoyFractionMax-decoyFractionMin)
	amount := realAmount * fraction
	amount *= 1 + (g.rng.Float64()*2-1)*cfg.AmountNoise

	if amount < decoyAmountMin {
		amount = decoyAmountMin
	}
	if amount > decoyAmountMax {
		amount = decoyAmountMax
	}
	return math.Round(amount*decoyPrecision) / decoyPrecision
}

func (g *Generator) randomDelay(cfg LevelConfig) time.Duration {
	span := cfg.MaxDelay - cfg.MinDelay
	if span <= 0 {
		return cfg.MinDelay
	}
	return cfg.MinDelay + time.Duration(g.rng.Int63n(int64(span)))
}

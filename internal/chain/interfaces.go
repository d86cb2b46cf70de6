// Package chain defines the narrow interfaces through which the engine
// talks to the ledger. Key custody, raw ledger I/O and confirmation are
// external concerns: the engine only consumes these contracts.
package chain

import (
	"context"
	"errors"

	"github.com/stellar/go/txnbuild"

	"subengine/internal/models"
)

// ErrRateLimited is returned when the ledger backend rejects a request for
// rate-limit reasons. Callers pause with a fixed backoff and skip the item;
// they do not retry inline.
var ErrRateLimited = errors.New("rate limited by ledger backend")

// SubmitResult carries the outcome of a successful transfer submission
type SubmitResult struct {
	Signature string `json:"signature"` // transaction hash/signature
}

// TransferSubmitter submits a signed transfer. Implementations must be
// idempotent-safe to call repeatedly on transient failure; the engine
// never auto-retries a submission.
type TransferSubmitter interface {
	SubmitTransfer(ctx context.Context, destination string, amount float64, memo string) (*SubmitResult, error)
}

// BalanceQuerier fetches the spendable balance of an address
type BalanceQuerier interface {
	GetBalance(ctx context.Context, address string) (float64, error)
}

// ActivityLister walks an address's historical ledger activity newest-first
type ActivityLister interface {
	ListActivity(ctx context.Context, address string, limit int) ([]models.ActivityEntry, error)
}

// Subscription is a handle to an active push subscription
type Subscription interface {
	// Unsubscribe stops the feed. Safe to call more than once.
	Unsubscribe()
	// Done delivers exactly one value when the feed stops: nil after
	// Unsubscribe or context cancellation, the stream error otherwise.
	Done() <-chan error
}

// LogFeed delivers new ledger activity for one address as it lands
type LogFeed interface {
	SubscribeLogs(ctx context.Context, address string, handler func(models.ActivityEntry)) (Subscription, error)
}

// Signer supplies the active signing identity. The engine never derives or
// stores key material itself.
type Signer interface {
	Address() string
	Sign(networkPassphrase string, tx *txnbuild.Transaction) (*txnbuild.Transaction, error)
}

// Client is the full set of ledger capabilities the engine consumes
type Client interface {
	TransferSubmitter
	BalanceQuerier
	ActivityLister
	LogFeed
}

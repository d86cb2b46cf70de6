package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/txnbuild"

	"subengine/internal/backoff"
	"subengine/internal/models"
)

const (
	// Horizon caps text memos at 28 bytes; anything longer rides in
	// chunked manage-data entries named dataKeyPrefix.<index>.<total>
	maxTextMemo   = 28
	dataKeyPrefix = "p01"
	dataChunkSize = 64

	txTimeoutSeconds = 300
)

// HorizonClient implements the Client interface against a Horizon server.
// The signer is constructor-injected; no global connection state.
// Read paths retry transient failures with exponential backoff; submissions
// run exactly once so a payment is never accidentally doubled.
type HorizonClient struct {
	client            horizonclient.ClientInterface
	signer            Signer
	networkPassphrase string
	readRetry         backoff.Strategy
	submitRetry       backoff.Strategy
}

// NewHorizonClient creates a ledger client for the given Horizon endpoint
func NewHorizonClient(client horizonclient.ClientInterface, signer Signer, networkPassphrase string) *HorizonClient {
	return &HorizonClient{
		client:            client,
		signer:            signer,
		networkPassphrase: networkPassphrase,
		readRetry:         backoff.NewExponentialStrategy(3, 500*time.Millisecond, 5*time.Second),
		submitRetry:       backoff.NewNoRetryStrategy(),
	}
}

// SubmitTransfer builds, signs and submits a native-asset payment. Memos up
// to 28 bytes travel as a text memo; longer payloads are split into
// manage-data operations so the full record is recoverable from history.
func (c *HorizonClient) SubmitTransfer(ctx context.Context, destination string, amt float64, memo string) (*SubmitResult, error) {
	if amt <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive, got %f", amt)
	}

	source, err := c.client.AccountDetail(horizonclient.AccountRequest{AccountID: c.signer.Address()})
	if err != nil {
		return nil, mapHorizonError(fmt.Errorf("failed to load source account: %w", err))
	}

	stroops := int64(amt*1e7 + 0.5)
	ops := []txnbuild.Operation{
		&txnbuild.Payment{
			Destination: destination,
			Amount:      amount.StringFromInt64(stroops),
			Asset:       txnbuild.NativeAsset{},
		},
	}

	var txMemo txnbuild.Memo
	if memo != "" {
		if len(memo) <= maxTextMemo {
			txMemo = txnbuild.MemoText(memo)
		} else {
			ops = append(ops, chunkPayload(memo)...)
		}
	}

	params := txnbuild.TransactionParams{
		SourceAccount:        &source,
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              txnbuild.MinBaseFee,
		Memo:                 txMemo,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(txTimeoutSeconds),
		},
	}

	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	signed, err := c.signer.Sign(c.networkPassphrase, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	var hash string
	err = c.submitRetry.Execute(ctx, func() error {
		resp, err := c.client.SubmitTransaction(signed)
		if err != nil {
			return mapHorizonError(fmt.Errorf("failed to submit transaction: %w", err))
		}
		hash = resp.Hash
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &SubmitResult{Signature: hash}, nil
}

// GetBalance returns the native-asset balance of an address
func (c *HorizonClient) GetBalance(ctx context.Context, address string) (float64, error) {
	var balance float64
	err := c.readRetry.Execute(ctx, func() error {
		account, err := c.client.AccountDetail(horizonclient.AccountRequest{AccountID: address})
		if err != nil {
			return mapHorizonError(fmt.Errorf("failed to load account %s: %w", address, err))
		}

		for _, b := range account.Balances {
			if b.Asset.Type == "native" {
				value, err := strconv.ParseFloat(b.Balance, 64)
				if err != nil {
					return fmt.Errorf("failed to parse balance %q: %w", b.Balance, err)
				}
				balance = value
				return nil
			}
		}
		return fmt.Errorf("account %s has no native balance", address)
	})
	return balance, err
}

// ListActivity walks the address's operations newest-first, reassembling
// chunked manage-data payloads into one entry per transaction.
func (c *HorizonClient) ListActivity(ctx context.Context, address string, limit int) ([]models.ActivityEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	var page operations.OperationsPage
	err := c.readRetry.Execute(ctx, func() error {
		var err error
		page, err = c.client.Operations(horizonclient.OperationRequest{
			ForAccount: address,
			Order:      horizonclient.OrderDesc,
			Limit:      uint(limit),
		})
		if err != nil {
			return mapHorizonError(fmt.Errorf("failed to list operations: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	assembler := newMemoAssembler()
	var entries []models.ActivityEntry

	for _, record := range page.Embedded.Records {
		md, ok := record.(operations.ManageData)
		if !ok {
			continue
		}
		if entry, complete := assembler.add(md); complete {
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

type horizonSubscription struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan error
}

func (s *horizonSubscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

func (s *horizonSubscription) Done() <-chan error {
	return s.done
}

// SubscribeLogs streams new operations for the address and invokes handler
// with one entry per reassembled subscription payload. The returned handle
// stops the stream; unsubscribing twice is a no-op.
func (c *HorizonClient) SubscribeLogs(ctx context.Context, address string, handler func(models.ActivityEntry)) (Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	assembler := newMemoAssembler()
	sub := &horizonSubscription{cancel: cancel, done: make(chan error, 1)}

	go func() {
		err := c.client.StreamOperations(streamCtx, horizonclient.OperationRequest{
			ForAccount: address,
			Cursor:     "now",
		}, func(op operations.Operation) {
			md, ok := op.(operations.ManageData)
			if !ok {
				return
			}
			if entry, complete := assembler.add(md); complete {
				handler(entry)
			}
		})
		if streamCtx.Err() != nil {
			err = nil
		}
		if err != nil {
			slog.Warn("Operation stream terminated", "address", address, "error", err)
		}
		sub.done <- err
	}()

	return sub, nil
}

// chunkPayload splits a payload into manage-data operations small enough
// for the 64-byte entry value limit
func chunkPayload(payload string) []txnbuild.Operation {
	data := []byte(payload)
	total := (len(data) + dataChunkSize - 1) / dataChunkSize

	ops := make([]txnbuild.Operation, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * dataChunkSize
		if end > len(data) {
			end = len(data)
		}
		ops = append(ops, &txnbuild.ManageData{
			Name:  fmt.Sprintf("%s.%d.%d", dataKeyPrefix, i, total),
			Value: data[i*dataChunkSize : end],
		})
	}
	return ops
}

// memoAssembler regroups chunked manage-data operations by transaction
type memoAssembler struct {
	pending map[string]*pendingPayload
}

type pendingPayload struct {
	chunks map[int]string
	total  int
	entry  models.ActivityEntry
}

func newMemoAssembler() *memoAssembler {
	return &memoAssembler{pending: make(map[string]*pendingPayload)}
}

func (a *memoAssembler) add(md operations.ManageData) (models.ActivityEntry, bool) {
	index, total, ok := parseChunkName(md.Name)
	if !ok || md.Value == "" {
		return models.ActivityEntry{}, false
	}

	raw, err := base64.StdEncoding.DecodeString(md.Value)
	if err != nil {
		return models.ActivityEntry{}, false
	}

	p := a.pending[md.TransactionHash]
	if p == nil {
		p = &pendingPayload{
			chunks: make(map[int]string),
			total:  total,
			entry: models.ActivityEntry{
				TxHash:    md.TransactionHash,
				Timestamp: md.LedgerCloseTime,
			},
		}
		a.pending[md.TransactionHash] = p
	}
	p.chunks[index] = string(raw)

	if len(p.chunks) < p.total {
		return models.ActivityEntry{}, false
	}

	var b strings.Builder
	for i := 0; i < p.total; i++ {
		b.WriteString(p.chunks[i])
	}
	delete(a.pending, md.TransactionHash)

	entry := p.entry
	entry.Memo = b.String()
	return entry, true
}

func parseChunkName(name string) (index, total int, ok bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 3 || parts[0] != dataKeyPrefix {
		return 0, 0, false
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil || index < 0 {
		return 0, 0, false
	}
	total, err = strconv.Atoi(parts[2])
	if err != nil || total <= 0 || index >= total {
		return 0, 0, false
	}
	return index, total, true
}

// mapHorizonError surfaces rate-limit responses as ErrRateLimited so
// callers can branch on them
func mapHorizonError(err error) error {
	var herr *horizonclient.Error
	if errors.As(err, &herr) && herr.Problem.Status == 429 {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return err
}

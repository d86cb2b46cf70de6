// Package reconcile merges locally-owned stream state with state recovered
// from the ledger (historical memos) and from the live feed, under fixed
// precedence rules: terminal local status always wins, counters never
// regress, payment history stays local-authoritative and privacy flags
// follow the canonical on-chain subscription definition.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"subengine/internal/backoff"
	"subengine/internal/chain"
	"subengine/internal/codec"
	"subengine/internal/metrics"
	"subengine/internal/models"
	"subengine/internal/streams"
)

const (
	// DefaultSyncInterval is the minimum spacing between full chain syncs
	DefaultSyncInterval = 5 * time.Minute
	// defaultRateLimitPause is the fixed backoff applied after a
	// rate-limit response before continuing with partial results
	defaultRateLimitPause = 2 * time.Second

	defaultHistoryLimit = 200
)

// Reconciler pulls subscription records from chain history and merges them
// into the local store
type Reconciler struct {
	store        *streams.Store
	lister       chain.ActivityLister
	address      string
	syncInterval time.Duration
	historyLimit int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inFlight bool
}

// NewReconciler creates a reconciler watching the given address
func NewReconciler(store *streams.Store, lister chain.ActivityLister, address string) *Reconciler {
	return &Reconciler{
		store:        store,
		lister:       lister,
		address:      address,
		syncInterval: DefaultSyncInterval,
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
		sleep:        backoff.Wait,
	}
}

// SetSyncInterval overrides the minimum spacing between full syncs
func (r *Reconciler) SetSyncInterval(d time.Duration) {
	if d > 0 {
		r.syncInterval = d
	}
}

// FetchSubscriptionsFromChain walks the address's historical activity
// newest-first and rebuilds remote stream state: the most recent creation
// record per id, with status updates applied oldest-first on top.
// Malformed memos are dropped; a rate-limit response pauses briefly and the
// walk continues with what was already gathered.
func (r *Reconciler) FetchSubscriptionsFromChain(ctx context.Context, address string) (map[string]*models.Stream, error) {
	entries, err := r.lister.ListActivity(ctx, address, r.historyLimit)
	if err != nil {
		if errors.Is(err, chain.ErrRateLimited) {
			slog.Warn("History fetch rate limited, backing off", "address", address)
			if werr := r.sleep(ctx, defaultRateLimitPause); werr != nil {
				return nil, werr
			}
			return map[string]*models.Stream{}, nil
		}
		return nil, err
	}

	remote := make(map[string]*models.Stream)
	var updates []*codec.StatusUpdate

	// Entries arrive newest-first, so the first creation record seen per
	// id is the most recent one
	for _, entry := range entries {
		if !codec.IsSubscriptionMemo(entry.Memo) {
			continue
		}

		if update, err := codec.DecodeUpdate(entry.Memo); err == nil {
			metrics.MemosDecoded.WithLabelValues("update").Inc()
			updates = append(updates, update)
			continue
		}

		stream, err := codec.DecodeCreation(entry.Memo)
		if err != nil {
			metrics.MemosDropped.Inc()
			slog.Debug("Dropping malformed subscription memo",
				"tx_hash", entry.TxHash,
				"error", err,
			)
			continue
		}
		metrics.MemosDecoded.WithLabelValues("creation").Inc()
		if _, seen := remote[stream.ID]; !seen {
			remote[stream.ID] = stream
		}
	}

	// Apply updates oldest-first so the final status reflects the latest
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].UpdatedAt.Before(updates[j].UpdatedAt)
	})
	for _, update := range updates {
		if stream, ok := remote[update.StreamID]; ok {
			stream.Status = update.Status
		}
	}

	return remote, nil
}

// MergeStreams merges a remote stream set into a local one, union by id.
// Remote-only streams are inserted as-is. For matched ids: terminal local
// status wins, counters take the max, history and noise bookkeeping stay
// local and privacy flags follow the remote record.
func MergeStreams(local, remote map[string]*models.Stream) map[string]*models.Stream {
	merged := make(map[string]*models.Stream, len(local)+len(remote))
	for id, stream := range local {
		merged[id] = stream
	}

	for id, remoteStream := range remote {
		localStream, ok := merged[id]
		if !ok {
			merged[id] = remoteStream
			continue
		}
		merged[id] = mergeOne(localStream, remoteStream)
	}
	return merged
}

func mergeOne(local, remote *models.Stream) *models.Stream {
	out := *local

	if local.Status.Terminal() {
		if remote.Status != local.Status {
			metrics.MergeConflicts.Inc()
		}
		out.Status = local.Status
	} else {
		out.Status = remote.Status
	}

	// Counters never regress
	if remote.AmountStreamed > out.AmountStreamed {
		out.AmountStreamed = remote.AmountStreamed
	}
	if remote.PaymentsCompleted > out.PaymentsCompleted {
		out.PaymentsCompleted = remote.PaymentsCompleted
	}

	// The remote record is the canonical subscription definition
	out.AmountNoise = remote.AmountNoise
	out.TimingNoise = remote.TimingNoise
	out.UseStealthAddress = remote.UseStealthAddress

	// Payment history and noise bookkeeping are local-authoritative:
	// out already carries local.Payments and local.NoiseAdjustment
	return &out
}

// SyncFromBlockchain runs one full reconciliation, rate-limited to one run
// per sync interval via the persisted last-sync timestamp, and skipped if
// another sync is still in flight.
func (r *Reconciler) SyncFromBlockchain(ctx context.Context) error {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		slog.Debug("Chain sync already in flight, skipping")
		return nil
	}
	r.inFlight = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	now := r.now()
	if last := r.store.LastSync(); !last.IsZero() && now.Sub(last) < r.syncInterval {
		slog.Debug("Chain sync rate limited",
			"last_sync", last,
			"interval", r.syncInterval,
		)
		return nil
	}

	remote, err := r.FetchSubscriptionsFromChain(ctx, r.address)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("reconciler").Inc()
		return err
	}

	// Tombstoned ids are dropped before merge even occurs
	for id := range remote {
		if r.store.IsDeleted(id) {
			delete(remote, id)
		}
	}

	merged := MergeStreams(r.store.Snapshot(), remote)
	if err := r.store.ReplaceCollection(ctx, merged); err != nil {
		return err
	}
	if err := r.store.SetLastSync(ctx, now); err != nil {
		return err
	}

	metrics.SyncRuns.Inc()
	slog.Info("Chain sync complete",
		"remote_streams", len(remote),
		"total_streams", len(merged),
	)
	return nil
}

// ApplyEvent folds one live monitor event into the store. This is the
// single-writer consumer of the monitor's event queue.
func (r *Reconciler) ApplyEvent(ctx context.Context, event models.MonitorEvent) error {
	switch event.Type {
	case models.EventSubscriptionAdded:
		if event.Stream == nil || r.store.IsDeleted(event.Stream.ID) {
			return nil
		}
		if local, err := r.store.Get(event.Stream.ID); err == nil {
			return r.store.Put(ctx, mergeOne(local, event.Stream))
		}
		return r.store.Put(ctx, event.Stream)

	case models.EventSubscriptionUpdated, models.EventSubscriptionCancelled:
		// Status goes through the set-marking paths so derivation keeps it:
		// a bare cache write would be flipped back on the next derive
		var err error
		switch event.Status {
		case models.StreamCancelled:
			err = r.store.MarkCancelled(ctx, event.StreamID)
		case models.StreamPaused:
			err = r.store.MarkPaused(ctx, event.StreamID)
		case models.StreamActive:
			err = r.store.ClearPaused(ctx, event.StreamID)
		default:
			err = r.store.Update(ctx, event.StreamID, func(st *models.Stream) error {
				if st.Status.Terminal() {
					return nil
				}
				st.Status = event.Status
				return nil
			})
		}
		if errors.Is(err, streams.ErrStreamNotFound) {
			// Updates for streams we have never seen are ignored; the
			// next full sync will pick up the creation record
			return nil
		}
		return err

	case models.EventMaxReconnectsReached:
		slog.Error("Live monitor gave up reconnecting; relying on periodic sync")
		return nil

	default:
		return nil
	}
}

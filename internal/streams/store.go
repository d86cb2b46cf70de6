// Package streams owns the canonical local stream collection and the
// scheduler that executes due payments. All mutation is serialized behind
// the store mutex: the scheduler, the reconciler merge and the live monitor
// apply loop never interleave a read-modify-write on the same stream.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"subengine/internal/metrics"
	"subengine/internal/models"
	"subengine/internal/storage"
)

// Persistent store keys
const (
	keyStreams      = "streams.collection"
	keyDeletedIDs   = "streams.deleted_ids"
	keyCancelledIDs = "streams.cancelled_ids"
	keyPausedIDs    = "streams.paused_ids"
	keyLastSync     = "streams.last_sync"
)

// ErrStreamNotFound is returned when a stream id is unknown locally
var ErrStreamNotFound = errors.New("stream not found")

// Store holds the stream collection and the three auxiliary ID sets.
// The sets are the durable source of truth for status precedence: a
// stream's cached Status is re-derived from them after every load and
// merge, and a tombstoned id can never be re-inserted by remote data.
type Store struct {
	mu   sync.RWMutex
	repo storage.Repository

	streams   map[string]*models.Stream
	deleted   map[string]struct{}
	cancelled map[string]struct{}
	paused    map[string]struct{}
	lastSync  time.Time
}

// NewStore creates an empty store backed by the given repository
func NewStore(repo storage.Repository) *Store {
	return &Store{
		repo:      repo,
		streams:   make(map[string]*models.Stream),
		deleted:   make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
		paused:    make(map[string]struct{}),
	}
}

// Load reads persisted state and re-derives every cached status
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadBlob(ctx, keyStreams, &s.streams); err != nil {
		return err
	}
	for key, set := range map[string]*map[string]struct{}{
		keyDeletedIDs:   &s.deleted,
		keyCancelledIDs: &s.cancelled,
		keyPausedIDs:    &s.paused,
	} {
		var ids []string
		if err := s.loadBlob(ctx, key, &ids); err != nil {
			return err
		}
		*set = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			(*set)[id] = struct{}{}
		}
	}

	raw, err := s.repo.Get(ctx, keyLastSync)
	if err == nil {
		if t, perr := time.Parse(time.RFC3339, string(raw)); perr == nil {
			s.lastSync = t
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load last sync: %w", err)
	}

	s.deriveStatusesLocked()
	s.updateGaugesLocked()
	return nil
}

func (s *Store) loadBlob(ctx context.Context, key string, out any) error {
	raw, err := s.repo.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Persist writes the collection and the auxiliary sets
func (s *Store) Persist(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	blob, err := json.Marshal(s.streams)
	if err != nil {
		return fmt.Errorf("failed to encode streams: %w", err)
	}
	if err := s.repo.Set(ctx, keyStreams, blob); err != nil {
		return err
	}

	for key, set := range map[string]map[string]struct{}{
		keyDeletedIDs:   s.deleted,
		keyCancelledIDs: s.cancelled,
		keyPausedIDs:    s.paused,
	} {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		blob, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		if err := s.repo.Set(ctx, key, blob); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of the stream with the given id
func (s *Store) Get(id string) (*models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return cloneStream(stream), nil
}

// List returns copies of all streams, oldest first
func (s *Store) List() []*models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Stream, 0, len(s.streams))
	for _, stream := range s.streams {
		out = append(out, cloneStream(stream))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Put inserts or replaces a stream and persists. Tombstoned ids are
// silently dropped.
func (s *Store) Put(ctx context.Context, stream *models.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, gone := s.deleted[stream.ID]; gone {
		return nil
	}
	s.streams[stream.ID] = cloneStream(stream)
	s.deriveStatusLocked(s.streams[stream.ID])
	s.updateGaugesLocked()
	return s.persistLocked(ctx)
}

// Update applies fn to the stream under the store lock and persists.
// This is the only read-modify-write path the scheduler and the monitor
// apply loop use.
func (s *Store) Update(ctx context.Context, id string, fn func(*models.Stream) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	if err := fn(stream); err != nil {
		return err
	}
	s.deriveStatusLocked(stream)
	s.updateGaugesLocked()
	return s.persistLocked(ctx)
}

// MarkCancelled records durable cancel intent, then updates the status
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	return s.markSet(ctx, id, func() {
		s.cancelled[id] = struct{}{}
		delete(s.paused, id)
	})
}

// MarkPaused records durable pause intent, then updates the status
func (s *Store) MarkPaused(ctx context.Context, id string) error {
	return s.markSet(ctx, id, func() {
		s.paused[id] = struct{}{}
	})
}

// ClearPaused removes pause intent on resume
func (s *Store) ClearPaused(ctx context.Context, id string) error {
	return s.markSet(ctx, id, func() {
		delete(s.paused, id)
	})
}

// MarkDeleted tombstones an id forever and removes the stream. The
// tombstone survives merges so remote data cannot resurrect the stream.
func (s *Store) MarkDeleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[id]; !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	s.deleted[id] = struct{}{}
	delete(s.streams, id)
	delete(s.paused, id)
	s.updateGaugesLocked()
	return s.persistLocked(ctx)
}

func (s *Store) markSet(ctx context.Context, id string, mutate func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	mutate()
	// The set is persisted before status is trusted anywhere else
	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	s.deriveStatusLocked(stream)
	s.updateGaugesLocked()
	return s.persistLocked(ctx)
}

// IsDeleted reports whether an id is tombstoned
func (s *Store) IsDeleted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.deleted[id]
	return ok
}

// ReplaceCollection swaps in a merged collection (reconciler output),
// drops tombstoned ids, re-derives every status from the auxiliary sets as
// the final safeguard, and persists.
func (s *Store) ReplaceCollection(ctx context.Context, merged map[string]*models.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*models.Stream, len(merged))
	for id, stream := range merged {
		if _, gone := s.deleted[id]; gone {
			continue
		}
		next[id] = cloneStream(stream)
	}
	s.streams = next
	s.deriveStatusesLocked()
	s.updateGaugesLocked()
	return s.persistLocked(ctx)
}

// Snapshot returns a deep copy of the collection for merging
func (s *Store) Snapshot() map[string]*models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.Stream, len(s.streams))
	for id, stream := range s.streams {
		out[id] = cloneStream(stream)
	}
	return out
}

// LastSync returns the persisted time of the last full chain sync
func (s *Store) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// SetLastSync persists the last full sync timestamp
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = t
	return s.repo.Set(ctx, keyLastSync, []byte(t.UTC().Format(time.RFC3339)))
}

// Reset clears all state including tombstones. This is the only way a
// deleted id becomes usable again.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streams = make(map[string]*models.Stream)
	s.deleted = make(map[string]struct{})
	s.cancelled = make(map[string]struct{})
	s.paused = make(map[string]struct{})
	s.lastSync = time.Time{}

	if err := s.repo.Delete(ctx, keyLastSync); err != nil {
		return err
	}
	s.updateGaugesLocked()
	return s.persistLocked(ctx)
}

func (s *Store) deriveStatusesLocked() {
	for _, stream := range s.streams {
		s.deriveStatusLocked(stream)
	}
}

// deriveStatusLocked recomputes the cached status from the auxiliary sets.
// Terminal statuses are preserved except that cancel intent always wins
// over a stale non-terminal cache.
func (s *Store) deriveStatusLocked(stream *models.Stream) {
	if _, ok := s.cancelled[stream.ID]; ok {
		stream.Status = models.StreamCancelled
		return
	}
	if stream.Status.Terminal() {
		return
	}
	if _, ok := s.paused[stream.ID]; ok {
		stream.Status = models.StreamPaused
		return
	}
	if stream.Status == models.StreamPaused {
		// Pause intent was lifted elsewhere; the cache is stale
		stream.Status = models.StreamActive
	}
	if stream.Status == "" {
		stream.Status = models.StreamActive
	}
}

func (s *Store) updateGaugesLocked() {
	active := 0
	for _, stream := range s.streams {
		if stream.Status == models.StreamActive {
			active++
		}
	}
	metrics.StreamsActive.Set(float64(active))
	metrics.StreamsTotal.Set(float64(len(s.streams)))
}

func cloneStream(in *models.Stream) *models.Stream {
	out := *in
	if in.EndDate != nil {
		t := *in.EndDate
		out.EndDate = &t
	}
	if in.NoisyPaymentDate != nil {
		t := *in.NoisyPaymentDate
		out.NoisyPaymentDate = &t
	}
	if in.Payments != nil {
		out.Payments = make([]models.StreamPayment, len(in.Payments))
		copy(out.Payments, in.Payments)
	}
	return &out
}

package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stellar/go/keypair"

	"subengine/internal/chain"
	"subengine/internal/codec"
	"subengine/internal/models"
	"subengine/internal/storage"
	"subengine/internal/streams"
)

var (
	watchedAddress = keypair.MustRandom().Address()
	recipient      = keypair.MustRandom().Address()
)

type fakeLister struct {
	entries []models.ActivityEntry
	err     error
	calls   int
}

func (f *fakeLister) ListActivity(ctx context.Context, address string, limit int) ([]models.ActivityEntry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func remoteStream(id string, status models.StreamStatus) *models.Stream {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &models.Stream{
		ID:               id,
		Name:             "netflix",
		Recipient:        recipient,
		Direction:        models.DirectionOutgoing,
		TotalAmount:      120,
		AmountPerPayment: 10,
		TotalPayments:    12,
		Frequency:        models.FrequencyMonthly,
		StartDate:        created,
		NextPaymentDate:  created.Add(30 * 24 * time.Hour),
		CreatedAt:        created,
		Status:           status,
	}
}

func creationEntry(t *testing.T, s *models.Stream, at time.Time) models.ActivityEntry {
	t.Helper()
	memo, err := codec.EncodeCreation(s)
	if err != nil {
		t.Fatalf("encode creation failed: %v", err)
	}
	return models.ActivityEntry{TxHash: "tx-" + s.ID, Memo: memo, Timestamp: at}
}

func updateEntry(t *testing.T, id string, status models.StreamStatus, at time.Time) models.ActivityEntry {
	t.Helper()
	memo, err := codec.EncodeUpdate(id, status, at)
	if err != nil {
		t.Fatalf("encode update failed: %v", err)
	}
	return models.ActivityEntry{TxHash: "tx-upd-" + id, Memo: memo, Timestamp: at}
}

func newTestReconciler(store *streams.Store, lister *fakeLister) *Reconciler {
	r := NewReconciler(store, lister, watchedAddress)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestFetch_NewestCreationWins(t *testing.T) {
	old := remoteStream("s1", models.StreamActive)
	old.Name = "netflix-v1"
	fresh := remoteStream("s1", models.StreamActive)
	fresh.Name = "netflix-v2"

	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{entries: []models.ActivityEntry{
		// Newest first, as the chain interface delivers them
		creationEntry(t, fresh, t1.Add(time.Hour)),
		creationEntry(t, old, t1),
	}}

	r := newTestReconciler(streams.NewStore(storage.NewMemoryRepository()), lister)
	remote, err := r.FetchSubscriptionsFromChain(context.Background(), watchedAddress)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(remote) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(remote))
	}
	if remote["s1"].Name != "netflix-v2" {
		t.Errorf("expected newest creation record to win, got %q", remote["s1"].Name)
	}
}

func TestFetch_UpdatesAppliedOldestFirst(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{entries: []models.ActivityEntry{
		// Feed deliberately misorders the updates; the timestamps decide
		updateEntry(t, "s1", models.StreamPaused, t0.Add(1*time.Hour)),
		updateEntry(t, "s1", models.StreamCancelled, t0.Add(2*time.Hour)),
		creationEntry(t, remoteStream("s1", models.StreamActive), t0),
	}}

	r := newTestReconciler(streams.NewStore(storage.NewMemoryRepository()), lister)
	remote, err := r.FetchSubscriptionsFromChain(context.Background(), watchedAddress)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if remote["s1"].Status != models.StreamCancelled {
		t.Errorf("latest update must set the final status, got %q", remote["s1"].Status)
	}
}

func TestFetch_MalformedMemosDropped(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{entries: []models.ActivityEntry{
		{TxHash: "junk1", Memo: "P01SUB1:not|enough|fields", Timestamp: t0},
		{TxHash: "junk2", Memo: "unrelated payment memo", Timestamp: t0},
		creationEntry(t, remoteStream("ok", models.StreamActive), t0),
	}}

	r := newTestReconciler(streams.NewStore(storage.NewMemoryRepository()), lister)
	remote, err := r.FetchSubscriptionsFromChain(context.Background(), watchedAddress)
	if err != nil {
		t.Fatalf("malformed memos must not fail the fetch: %v", err)
	}
	if len(remote) != 1 || remote["ok"] == nil {
		t.Errorf("expected only the valid stream, got %d", len(remote))
	}
}

func TestFetch_RateLimitedReturnsEmpty(t *testing.T) {
	lister := &fakeLister{err: chain.ErrRateLimited}
	r := newTestReconciler(streams.NewStore(storage.NewMemoryRepository()), lister)

	remote, err := r.FetchSubscriptionsFromChain(context.Background(), watchedAddress)
	if err != nil {
		t.Fatalf("rate limit must not surface as an error: %v", err)
	}
	if len(remote) != 0 {
		t.Errorf("expected empty result under rate limit, got %d", len(remote))
	}
}

func TestMergeStreams_TerminalLocalWins(t *testing.T) {
	local := remoteStream("s1", models.StreamCancelled)
	remote := remoteStream("s1", models.StreamActive)

	merged := MergeStreams(
		map[string]*models.Stream{"s1": local},
		map[string]*models.Stream{"s1": remote},
	)
	if merged["s1"].Status != models.StreamCancelled {
		t.Errorf("terminal local status must win, got %q", merged["s1"].Status)
	}
}

func TestMergeStreams_CountersNeverRegress(t *testing.T) {
	local := remoteStream("s1", models.StreamActive)
	local.AmountStreamed = 50
	local.PaymentsCompleted = 5
	local.Payments = []models.StreamPayment{{ActualAmount: 10, Success: true}}
	local.NoiseAdjustment = -0.3

	remote := remoteStream("s1", models.StreamActive)
	remote.AmountStreamed = 30
	remote.PaymentsCompleted = 3
	remote.AmountNoise = 0.10
	remote.UseStealthAddress = true

	merged := MergeStreams(
		map[string]*models.Stream{"s1": local},
		map[string]*models.Stream{"s1": remote},
	)

	got := merged["s1"]
	if got.AmountStreamed != 50 || got.PaymentsCompleted != 5 {
		t.Errorf("counters regressed: %f / %d", got.AmountStreamed, got.PaymentsCompleted)
	}
	if len(got.Payments) != 1 || got.NoiseAdjustment != -0.3 {
		t.Error("payment history and noise bookkeeping must stay local")
	}
	if got.AmountNoise != 0.10 || !got.UseStealthAddress {
		t.Error("privacy flags must follow the remote record")
	}
}

func TestMergeStreams_Union(t *testing.T) {
	merged := MergeStreams(
		map[string]*models.Stream{"local-only": remoteStream("local-only", models.StreamActive)},
		map[string]*models.Stream{"remote-only": remoteStream("remote-only", models.StreamPaused)},
	)
	if len(merged) != 2 {
		t.Fatalf("expected union of 2, got %d", len(merged))
	}
	if merged["remote-only"].Status != models.StreamPaused {
		t.Error("remote-only stream must be inserted as-is")
	}
}

func TestSync_RecoversRemoteStreams(t *testing.T) {
	ctx := context.Background()
	store := streams.NewStore(storage.NewMemoryRepository())

	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{entries: []models.ActivityEntry{
		creationEntry(t, remoteStream("s1", models.StreamActive), t0),
	}}

	r := newTestReconciler(store, lister)
	if err := r.SyncFromBlockchain(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if _, err := store.Get("s1"); err != nil {
		t.Errorf("remote stream not recovered into the store: %v", err)
	}
	if store.LastSync().IsZero() {
		t.Error("last sync timestamp not recorded")
	}
}

func TestSync_RateLimitedByLastSync(t *testing.T) {
	ctx := context.Background()
	store := streams.NewStore(storage.NewMemoryRepository())
	lister := &fakeLister{}

	r := newTestReconciler(store, lister)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	_ = store.SetLastSync(ctx, now.Add(-time.Minute))

	if err := r.SyncFromBlockchain(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if lister.calls != 0 {
		t.Errorf("sync inside the rate window must not hit the chain, got %d calls", lister.calls)
	}
}

func TestSync_DeletedIdsStayDeleted(t *testing.T) {
	ctx := context.Background()
	store := streams.NewStore(storage.NewMemoryRepository())
	_ = store.Put(ctx, remoteStream("dead", models.StreamActive))
	_ = store.MarkDeleted(ctx, "dead")

	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{entries: []models.ActivityEntry{
		creationEntry(t, remoteStream("dead", models.StreamActive), t0),
	}}

	r := newTestReconciler(store, lister)
	if err := r.SyncFromBlockchain(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if _, err := store.Get("dead"); err == nil {
		t.Error("tombstoned stream resurrected by chain sync")
	}
}

func TestApplyEvent_AddedAndCancelled(t *testing.T) {
	ctx := context.Background()
	store := streams.NewStore(storage.NewMemoryRepository())
	r := newTestReconciler(store, &fakeLister{})

	added := remoteStream("live", models.StreamActive)
	if err := r.ApplyEvent(ctx, models.MonitorEvent{
		Type:     models.EventSubscriptionAdded,
		StreamID: "live",
		Stream:   added,
	}); err != nil {
		t.Fatalf("apply added failed: %v", err)
	}
	if _, err := store.Get("live"); err != nil {
		t.Fatalf("added stream missing from store: %v", err)
	}

	if err := r.ApplyEvent(ctx, models.MonitorEvent{
		Type:     models.EventSubscriptionCancelled,
		StreamID: "live",
		Status:   models.StreamCancelled,
	}); err != nil {
		t.Fatalf("apply cancelled failed: %v", err)
	}
	got, _ := store.Get("live")
	if got.Status != models.StreamCancelled {
		t.Errorf("expected cancelled after event, got %q", got.Status)
	}
}

func TestApplyEvent_UnknownStreamIgnored(t *testing.T) {
	ctx := context.Background()
	store := streams.NewStore(storage.NewMemoryRepository())
	r := newTestReconciler(store, &fakeLister{})

	err := r.ApplyEvent(ctx, models.MonitorEvent{
		Type:     models.EventSubscriptionUpdated,
		StreamID: "never-seen",
		Status:   models.StreamPaused,
	})
	if err != nil {
		t.Errorf("update for unknown stream must be a no-op, got %v", err)
	}
}

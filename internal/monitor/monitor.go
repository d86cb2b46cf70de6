// Package monitor watches the wallet address through the ledger's push feed
// and folds observed subscription memos into the local store. A single
// apply-loop goroutine is the only writer on behalf of the feed, so live
// events never race the reconciler or the scheduler inside the store.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"subengine/internal/backoff"
	"subengine/internal/chain"
	"subengine/internal/codec"
	"subengine/internal/metrics"
	"subengine/internal/models"
)

// State is the monitor connection state, exported as a gauge
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxReconnects bounds automatic reconnection before the
	// monitor gives up and the periodic sync becomes the only recovery
	DefaultMaxReconnects = 10

	reconnectStep     = 5 * time.Second
	reconnectDelayMax = 60 * time.Second

	eventBufferSize = 64
)

// ErrAlreadyRunning is returned by Start when the monitor is running
var ErrAlreadyRunning = errors.New("monitor already running")

// Applier consumes monitor events; the reconciler implements it
type Applier interface {
	ApplyEvent(ctx context.Context, event models.MonitorEvent) error
}

// Monitor maintains one push subscription on the wallet address with
// bounded linear-backoff reconnection
type Monitor struct {
	feed          chain.LogFeed
	applier       Applier
	address       string
	maxReconnects int

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	events chan models.MonitorEvent

	mu      sync.Mutex
	state   State
	sub     chain.Subscription
	cancel  context.CancelFunc
	stopCh  chan struct{}
	manual  bool
	running bool
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor for the given address
func NewMonitor(feed chain.LogFeed, applier Applier, address string) *Monitor {
	return &Monitor{
		feed:          feed,
		applier:       applier,
		address:       address,
		maxReconnects: DefaultMaxReconnects,
		sleep:         backoff.Wait,
		now:           time.Now,
		events:        make(chan models.MonitorEvent, eventBufferSize),
	}
}

// SetMaxReconnects overrides the reconnect budget. Call before Start.
func (m *Monitor) SetMaxReconnects(n int) {
	if n > 0 {
		m.maxReconnects = n
	}
}

// State returns the current connection state
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	metrics.MonitorState.Set(float64(s))
}

// Start connects the feed and launches the apply loop. It returns once the
// initial subscription is established.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.manual = false
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.setState(StateConnecting)
	sub, err := m.subscribe(runCtx)
	if err != nil {
		m.setState(StateDisconnected)
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to start live monitor: %w", err)
	}
	m.setState(StateConnected)
	slog.Info("🔭 Live monitor connected", "address", m.address)

	m.wg.Add(2)
	go m.applyLoop(runCtx)
	go m.supervise(runCtx, sub)
	return nil
}

// Stop disconnects the feed and waits for the loops to drain. Reconnection
// is suppressed: a manual stop is final until the next Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.manual = true
	sub := m.sub
	cancel := m.cancel
	close(m.stopCh)
	m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	m.sub = nil
	m.mu.Unlock()
	m.setState(StateDisconnected)
	slog.Info("Live monitor stopped")
}

func (m *Monitor) subscribe(ctx context.Context) (chain.Subscription, error) {
	sub, err := m.feed.SubscribeLogs(ctx, m.address, m.handleEntry)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	return sub, nil
}

// supervise waits for feed failures and reconnects with a linear backoff,
// up to maxReconnects attempts in a row. A healthy reconnect resets the
// attempt counter.
func (m *Monitor) supervise(ctx context.Context, sub chain.Subscription) {
	defer m.wg.Done()

	attempts := 0
	for {
		var streamErr error
		select {
		case <-ctx.Done():
			return
		case streamErr = <-sub.Done():
		}

		m.mu.Lock()
		manual := m.manual
		m.mu.Unlock()
		if manual || ctx.Err() != nil {
			return
		}

		if streamErr != nil {
			slog.Warn("Live feed dropped", "error", streamErr)
			metrics.ErrorsTotal.WithLabelValues("monitor").Inc()
		}

		attempts++
		if attempts > m.maxReconnects {
			slog.Error("❌ Live monitor exhausted reconnect attempts",
				"attempts", m.maxReconnects,
			)
			m.emit(models.MonitorEvent{
				Type:      models.EventMaxReconnectsReached,
				Timestamp: m.now(),
			})
			m.setState(StateDisconnected)
			return
		}

		m.setState(StateReconnecting)
		metrics.MonitorReconnects.Inc()
		delay := backoff.Linear(attempts, reconnectStep, reconnectDelayMax)
		slog.Info("Reconnecting live monitor",
			"attempt", attempts,
			"max_attempts", m.maxReconnects,
			"delay", delay,
		)
		if err := m.sleep(ctx, delay); err != nil {
			return
		}

		next, err := m.subscribe(ctx)
		if err != nil {
			slog.Warn("Reconnect failed", "attempt", attempts, "error", err)
			// Feed a synthetic failure back so the loop retries
			fake := make(chan error, 1)
			fake <- err
			sub = doneOnly(fake)
			continue
		}
		sub = next
		attempts = 0
		m.setState(StateConnected)
		slog.Info("🔭 Live monitor reconnected", "address", m.address)
	}
}

type doneOnly chan error

func (d doneOnly) Unsubscribe()       {}
func (d doneOnly) Done() <-chan error { return d }

// applyLoop is the single consumer of the event queue
func (m *Monitor) applyLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-m.events:
			metrics.MonitorEvents.WithLabelValues(string(event.Type)).Inc()
			if err := m.applier.ApplyEvent(ctx, event); err != nil {
				metrics.ErrorsTotal.WithLabelValues("monitor").Inc()
				slog.Error("Failed to apply monitor event",
					"type", event.Type,
					"stream_id", event.StreamID,
					"error", err,
				)
			}
		}
	}
}

// handleEntry runs on the feed goroutine: decode, classify, queue.
func (m *Monitor) handleEntry(entry models.ActivityEntry) {
	if !codec.IsSubscriptionMemo(entry.Memo) {
		return
	}

	if update, err := codec.DecodeUpdate(entry.Memo); err == nil {
		metrics.MemosDecoded.WithLabelValues("update").Inc()
		eventType := models.EventSubscriptionUpdated
		if update.Status == models.StreamCancelled {
			eventType = models.EventSubscriptionCancelled
		}
		m.emit(models.MonitorEvent{
			Type:      eventType,
			StreamID:  update.StreamID,
			Status:    update.Status,
			TxHash:    entry.TxHash,
			Timestamp: entry.Timestamp,
		})
		return
	}

	stream, err := codec.DecodeCreation(entry.Memo)
	if err != nil {
		metrics.MemosDropped.Inc()
		slog.Debug("Dropping malformed live memo", "tx_hash", entry.TxHash, "error", err)
		return
	}
	metrics.MemosDecoded.WithLabelValues("creation").Inc()
	m.emit(models.MonitorEvent{
		Type:      models.EventSubscriptionAdded,
		StreamID:  stream.ID,
		Stream:    stream,
		TxHash:    entry.TxHash,
		Timestamp: entry.Timestamp,
	})
}

// emit queues the event, blocking the feed goroutine if the apply loop is
// behind. Events are never dropped; the feed is the only producer.
func (m *Monitor) emit(event models.MonitorEvent) {
	m.mu.Lock()
	stopCh := m.stopCh
	m.mu.Unlock()

	select {
	case m.events <- event:
	case <-stopCh:
	}
}

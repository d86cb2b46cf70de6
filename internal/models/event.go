package models

import "time"

// MonitorEventType classifies events raised by the live monitor
type MonitorEventType string

const (
	EventSubscriptionAdded     MonitorEventType = "subscription_added"
	EventSubscriptionUpdated   MonitorEventType = "subscription_updated"
	EventSubscriptionCancelled MonitorEventType = "subscription_cancelled"
	EventMaxReconnectsReached  MonitorEventType = "max_reconnects_reached"
)

// MonitorEvent is raised by the live monitor when a subscription memo is
// observed on the watched address, or when reconnection is exhausted
type MonitorEvent struct {
	Type MonitorEventType `json:"type"`

	// Populated for subscription events
	StreamID string       `json:"stream_id,omitempty"`
	Stream   *Stream      `json:"stream,omitempty"` // decoded creation record, if any
	Status   StreamStatus `json:"status,omitempty"` // decoded status for updates

	// Transaction context
	TxHash    string    `json:"tx_hash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityEntry is one ledger activity item for an address, as returned by
// the chain history interface (newest first). Only memo-bearing fields are
// carried; the engine never inspects raw transaction envelopes.
type ActivityEntry struct {
	TxHash    string    `json:"tx_hash"`
	Memo      string    `json:"memo,omitempty"`
	Ledger    uint32    `json:"ledger"`
	Timestamp time.Time `json:"timestamp"`
}

package pipeline

import (
	"sync"
	"time"

	"github.com/c360/twinsync/twin"
)

// AckStatus is the delivery acknowledgment state of a message.
type AckStatus string

const (
	AckReceived  AckStatus = "received"
	AckProcessed AckStatus = "processed"
	AckFailed    AckStatus = "failed"
)

// Ack acknowledges a message back to its connection, or from a peer for a
// dispatched message.
type Ack struct {
	MessageID string    `json:"messageId"`
	Status    AckStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// pendingAck tracks one dispatched message awaiting acknowledgment.
type pendingAck struct {
	msg          twin.SyncMessage
	connectionID string
	dispatchedAt time.Time
	retryCount   int
}

// ackTable is the pending-ack table keyed by message ID.
type ackTable struct {
	mu      sync.Mutex
	entries map[string]*pendingAck
}

func newAckTable() *ackTable {
	return &ackTable{entries: make(map[string]*pendingAck)}
}

// track records a dispatch. retryCount carries over across re-dispatches of
// the same message.
func (t *ackTable) track(msg twin.SyncMessage, connectionID string, at time.Time, retryCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[msg.ID] = &pendingAck{
		msg:          msg,
		connectionID: connectionID,
		dispatchedAt: at,
		retryCount:   retryCount,
	}
}

// resolve removes a pending entry on ack arrival. Returns false for acks
// referencing messages no longer pending; those are ignored by the caller.
func (t *ackTable) resolve(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[messageID]; !ok {
		return false
	}
	delete(t.entries, messageID)
	return true
}

// expire removes and returns every entry dispatched before the cutoff.
func (t *ackTable) expire(cutoff time.Time) []*pendingAck {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*pendingAck
	for id, entry := range t.entries {
		if entry.dispatchedAt.Before(cutoff) {
			expired = append(expired, entry)
			delete(t.entries, id)
		}
	}
	return expired
}

// dropConnection removes every entry attributed to the connection so it is
// not retried against a dead peer. Returns the number dropped.
func (t *ackTable) dropConnection(connectionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for id, entry := range t.entries {
		if entry.connectionID == connectionID {
			delete(t.entries, id)
			dropped++
		}
	}
	return dropped
}

func (t *ackTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

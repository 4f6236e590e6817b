package twin

import (
	"fmt"
	"time"

	"github.com/c360/twinsync/errors"
)

// Priority ranks a sync message for transport handling.
type Priority string

// Message priorities
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Valid reports whether the priority is one of the recognized values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// MessageMetadata carries transport-level attributes of a sync message.
type MessageMetadata struct {
	Quality        Quality       `json:"quality"`
	Priority       Priority      `json:"priority"`
	TTL            time.Duration `json:"ttl,omitempty"`
	SequenceNumber int64         `json:"sequenceNumber"`
}

// SyncMessage is the wire unit moving state updates between sources and the
// engine. Producers create it; each delivery attempt consumes it exactly
// once, and retries reuse the same ID.
type SyncMessage struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Source      Source          `json:"source"`
	ComponentID string          `json:"componentId"`
	Property    string          `json:"property"`
	Value       float64         `json:"value"`
	Metadata    MessageMetadata `json:"metadata"`
}

// Validate checks the required fields of an inbound message. A message that
// fails validation is rejected before queuing and never retried.
func (m *SyncMessage) Validate() error {
	var missing string
	switch {
	case m.ID == "":
		missing = "id"
	case m.Timestamp.IsZero():
		missing = "timestamp"
	case m.ComponentID == "":
		missing = "componentId"
	case m.Property == "":
		missing = "property"
	}
	if missing != "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: missing %s", errors.ErrValidation, missing),
			"SyncMessage", "Validate", "check required fields")
	}

	if m.Source != SourcePhysical && m.Source != SourceVirtual && m.Source != SourceControl {
		return errors.WrapInvalid(
			fmt.Errorf("%w: invalid source %q", errors.ErrValidation, m.Source),
			"SyncMessage", "Validate", "check source")
	}
	if !m.Metadata.Quality.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: invalid quality %q", errors.ErrValidation, m.Metadata.Quality),
			"SyncMessage", "Validate", "check quality")
	}
	if !m.Metadata.Priority.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: invalid priority %q", errors.ErrValidation, m.Metadata.Priority),
			"SyncMessage", "Validate", "check priority")
	}
	if m.Metadata.SequenceNumber < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative sequence number %d", errors.ErrValidation, m.Metadata.SequenceNumber),
			"SyncMessage", "Validate", "check sequence number")
	}

	return nil
}

// QueueKey returns the per-(component, property) ordering key.
func (m *SyncMessage) QueueKey() string {
	return m.ComponentID + "." + m.Property
}

package twin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c360/twinsync/errors"
)

func validMessage() SyncMessage {
	return SyncMessage{
		ID:          "msg-1",
		Timestamp:   time.Now(),
		Source:      SourcePhysical,
		ComponentID: "tank-1",
		Property:    "temperature",
		Value:       152.4,
		Metadata: MessageMetadata{
			Quality:        QualityGood,
			Priority:       PriorityNormal,
			SequenceNumber: 12,
		},
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	msg := validMessage()
	assert.NoError(t, msg.Validate())
}

func TestValidateRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SyncMessage)
	}{
		{"missing id", func(m *SyncMessage) { m.ID = "" }},
		{"missing timestamp", func(m *SyncMessage) { m.Timestamp = time.Time{} }},
		{"missing componentId", func(m *SyncMessage) { m.ComponentID = "" }},
		{"missing property", func(m *SyncMessage) { m.Property = "" }},
		{"bad source", func(m *SyncMessage) { m.Source = "psychic" }},
		{"predicted not a wire source", func(m *SyncMessage) { m.Source = SourcePredicted }},
		{"bad quality", func(m *SyncMessage) { m.Metadata.Quality = "excellent" }},
		{"bad priority", func(m *SyncMessage) { m.Metadata.Priority = "urgent" }},
		{"negative sequence", func(m *SyncMessage) { m.Metadata.SequenceNumber = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validMessage()
			tt.mutate(&msg)
			err := msg.Validate()
			assert.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestValidateAcceptsControlSource(t *testing.T) {
	msg := validMessage()
	msg.Source = SourceControl
	assert.NoError(t, msg.Validate())
}

func TestQueueKey(t *testing.T) {
	msg := validMessage()
	assert.Equal(t, "tank-1.temperature", msg.QueueKey())
}

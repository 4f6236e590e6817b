package component

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeComponent records lifecycle calls into a shared journal so tests can
// assert ordering.
type fakeComponent struct {
	name    string
	journal *[]string

	initErr  error
	startErr error
	stopErr  error
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Initialize() error {
	*f.journal = append(*f.journal, "init:"+f.name)
	return f.initErr
}

func (f *fakeComponent) Start(context.Context) error {
	*f.journal = append(*f.journal, "start:"+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop(time.Duration) error {
	*f.journal = append(*f.journal, "stop:"+f.name)
	return f.stopErr
}

func TestStartAllOrderAndStopAllReverse(t *testing.T) {
	var journal []string
	m := NewManager()
	m.Add(&fakeComponent{name: "nats", journal: &journal})
	m.Add(&fakeComponent{name: "engine", journal: &journal})
	m.Add(&fakeComponent{name: "websocket", journal: &journal})

	require.NoError(t, m.StartAll(context.Background()))
	assert.Equal(t, []string{
		"init:nats", "start:nats",
		"init:engine", "start:engine",
		"init:websocket", "start:websocket",
	}, journal)

	journal = journal[:0]
	require.NoError(t, m.StopAll(time.Second))
	assert.Equal(t, []string{"stop:websocket", "stop:engine", "stop:nats"}, journal)

	states := m.States()
	assert.Equal(t, StateStopped, states["nats"])
	assert.Equal(t, StateStopped, states["websocket"])
}

func TestStartFailureRollsBackStartedComponents(t *testing.T) {
	var journal []string
	m := NewManager()
	m.Add(&fakeComponent{name: "nats", journal: &journal})
	m.Add(&fakeComponent{name: "engine", journal: &journal, startErr: errors.New("no connection")})
	m.Add(&fakeComponent{name: "websocket", journal: &journal})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start engine")

	// The component after the failure never ran; the one before it was
	// stopped again.
	assert.Equal(t, []string{
		"init:nats", "start:nats",
		"init:engine", "start:engine",
		"stop:nats",
	}, journal)

	states := m.States()
	assert.Equal(t, StateStopped, states["nats"])
	assert.Equal(t, StateFailed, states["engine"])
	assert.Equal(t, StateCreated, states["websocket"])
}

func TestInitializeFailureStopsNothingLater(t *testing.T) {
	var journal []string
	m := NewManager()
	m.Add(&fakeComponent{name: "nats", journal: &journal, initErr: errors.New("bad config")})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize nats")
	assert.Equal(t, []string{"init:nats"}, journal)
}

func TestStopAllJoinsErrors(t *testing.T) {
	var journal []string
	m := NewManager()
	m.Add(&fakeComponent{name: "a", journal: &journal, stopErr: errors.New("a stuck")})
	m.Add(&fakeComponent{name: "b", journal: &journal, stopErr: errors.New("b stuck")})

	require.NoError(t, m.StartAll(context.Background()))

	err := m.StopAll(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop a")
	assert.Contains(t, err.Error(), "stop b")

	// Both were attempted despite the failures.
	assert.Contains(t, journal, "stop:a")
	assert.Contains(t, journal, "stop:b")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}

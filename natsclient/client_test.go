package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/twinsync/errors"
)

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestNewDefaults(t *testing.T) {
	c := New("nats://localhost:4222")
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, time.Second, c.Backoff())
	assert.Zero(t, c.Failures())
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	c := New("nats://localhost:4222", WithCircuitBreaker(3, time.Minute))

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(3), c.Failures())
	// backoff doubled when the circuit opened
	assert.Equal(t, 2*time.Second, c.Backoff())
}

func TestBackoffIsCapped(t *testing.T) {
	c := New("nats://localhost:4222", WithCircuitBreaker(1, 3*time.Second))

	for i := 0; i < 5; i++ {
		c.recordFailure()
	}
	assert.LessOrEqual(t, c.Backoff(), 3*time.Second)
}

func TestResetCircuit(t *testing.T) {
	c := New("nats://localhost:4222", WithCircuitBreaker(1, time.Minute))

	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Zero(t, c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
	assert.True(t, c.lastFailure.Load().(time.Time).IsZero())
}

func TestGuardFailsFast(t *testing.T) {
	c := New("nats://localhost:4222")

	err := c.Publish(context.Background(), "twin.sync.tank-1.temperature", []byte("{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.True(t, errors.IsTransient(err))

	err = c.Subscribe(context.Background(), "twin.sync.>", func(context.Context, []byte) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestConnectRespectsOpenCircuit(t *testing.T) {
	c := New("nats://localhost:4222", WithCircuitBreaker(1, time.Minute))
	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	// the failed-fast attempt must not consume a failure
	assert.Equal(t, int32(1), c.Failures())
}

func TestRTTWithoutConnection(t *testing.T) {
	c := New("nats://localhost:4222")
	_, err := c.RTT()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestCloseWithoutConnect(t *testing.T) {
	c := New("nats://localhost:4222")
	assert.NoError(t, c.Close(context.Background()))
	// second close is a no-op
	assert.NoError(t, c.Close(context.Background()))
}

func TestGetStatusSnapshot(t *testing.T) {
	c := New("nats://localhost:4222")
	c.recordFailure()

	st := c.GetStatus()
	assert.Equal(t, int32(1), st.FailureCount)
	assert.False(t, st.LastFailureTime.IsZero())
	assert.Zero(t, st.RTT)
}

package subscriber

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/pipeline"
	"github.com/c360/twinsync/twin"
)

// client is one WebSocket peer. It implements pipeline.Connection so the
// pipeline can dispatch messages, deliver acks, and heartbeat it.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu sync.Mutex

	subMu sync.Mutex
	sub   *pipeline.Subscription

	pongs chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

var _ pipeline.Connection = (*client)(nil)

// ID returns the connection identifier.
func (c *client) ID() string { return c.id }

// SendMessage delivers a sync message to the peer.
func (c *client) SendMessage(_ context.Context, msg twin.SyncMessage) error {
	return c.writeEnvelope("sync", msg)
}

// SendAck delivers a processing acknowledgment to the peer.
func (c *client) SendAck(_ context.Context, ack pipeline.Ack) error {
	return c.writeEnvelope("ack", ack)
}

// Ping measures round-trip time with a websocket ping frame.
func (c *client) Ping(ctx context.Context) (time.Duration, error) {
	// Drain any stale pong.
	select {
	case <-c.pongs:
	default:
	}

	start := time.Now()
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	err := c.conn.WriteMessage(websocket.PingMessage, nil)
	c.writeMu.Unlock()
	if err != nil {
		return 0, errors.WrapTransient(err, "client", "Ping", "write ping frame")
	}

	select {
	case <-c.pongs:
		return time.Since(start), nil
	case <-c.done:
		return 0, errors.WrapTransient(errors.ErrConnectionLost, "client", "Ping", "connection closed")
	case <-ctx.Done():
		return 0, errors.WrapTransient(ctx.Err(), "client", "Ping", "wait for pong")
	}
}

func (c *client) writeEnvelope(envType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "client", "writeEnvelope", "marshal "+envType+" payload")
	}
	env := Envelope{
		Type:      envType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "client", "writeEnvelope", "marshal envelope")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "client", "writeEnvelope", "write "+envType)
	}
	return nil
}

// readLoop consumes envelopes from the peer until the connection drops.
func (c *client) readLoop() {
	defer func() {
		c.close()
		c.server.remove(c)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.server.logger.Debug("ignoring malformed envelope", "client", c.id, "error", err)
			continue
		}

		switch env.Type {
		case "subscribe":
			c.handleSubscribe(env.Payload)
		case "sync":
			c.handleSync(env.Payload)
		case "ack":
			c.handleAck(env.Payload)
		default:
			c.server.logger.Debug("ignoring unknown envelope type",
				"client", c.id,
				"type", env.Type)
		}
	}
}

// handleSubscribe replaces the client's broker subscription and starts
// pumping notifications to the socket.
func (c *client) handleSubscribe(payload json.RawMessage) {
	var req SubscribeRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			c.server.logger.Debug("ignoring malformed subscribe", "client", c.id, "error", err)
			return
		}
	}

	sub := c.server.broker.Subscribe(req.Components...)

	c.subMu.Lock()
	old := c.sub
	c.sub = sub
	c.subMu.Unlock()

	if old != nil {
		c.server.broker.Unsubscribe(old.ID())
	}

	go c.pump(sub)
	c.server.logger.Debug("client subscribed",
		"client", c.id,
		"components", req.Components)
}

func (c *client) handleSync(payload json.RawMessage) {
	var msg twin.SyncMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.server.logger.Debug("ignoring malformed sync message", "client", c.id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.server.cfg.WriteTimeout)
	defer cancel()
	if err := c.server.pipe.Submit(ctx, msg, c.id); err != nil {
		c.server.logger.Warn("sync message rejected",
			"client", c.id,
			"message", msg.ID,
			"error", err)
	}
}

func (c *client) handleAck(payload json.RawMessage) {
	var ack pipeline.Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		c.server.logger.Debug("ignoring malformed ack", "client", c.id, "error", err)
		return
	}
	c.server.pipe.HandleAck(ack)
}

// pump forwards broker notifications to the socket until the subscription
// is closed or a write fails.
func (c *client) pump(sub *pipeline.Subscription) {
	for n := range sub.C() {
		if err := c.writeEnvelope(string(n.Type), n); err != nil {
			c.server.logger.Debug("dropping client on write failure",
				"client", c.id,
				"error", err)
			c.close()
			return
		}
	}
}

// close tears the connection down. Safe to call more than once.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.subMu.Lock()
		sub := c.sub
		c.sub = nil
		c.subMu.Unlock()
		if sub != nil {
			c.server.broker.Unsubscribe(sub.ID())
		}

		_ = c.conn.Close()
	})
}

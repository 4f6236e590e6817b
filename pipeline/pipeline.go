// Package pipeline moves sync messages from the transports into the twin
// store: ingress validation, per-property ordered queues, a single-threaded
// drain loop, an at-least-once ack/retry table, heartbeats, and fan-out to
// subscribers and peer instances.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/history"
	"github.com/c360/twinsync/metric"
	"github.com/c360/twinsync/reconcile"
	"github.com/c360/twinsync/twin"
)

// Config holds the pipeline tunables.
type Config struct {
	DrainInterval     time.Duration `json:"drainInterval"`
	BatchSize         int           `json:"batchSize"`
	MessageTimeout    time.Duration `json:"messageTimeout"`
	MaxRetries        int           `json:"maxRetries"`
	RetryDelay        time.Duration `json:"retryDelay"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
	EventBuffer       int           `json:"eventBuffer"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		DrainInterval:     time.Second,
		BatchSize:         50,
		MessageTimeout:    30 * time.Second,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		HeartbeatInterval: 5 * time.Second,
		EventBuffer:       64,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DrainInterval <= 0 {
		c.DrainInterval = def.DrainInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = def.MessageTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
}

// Connection is a transport endpoint the pipeline exchanges messages with.
// Implementations must not block indefinitely.
type Connection interface {
	ID() string
	SendMessage(ctx context.Context, msg twin.SyncMessage) error
	SendAck(ctx context.Context, ack Ack) error
	Ping(ctx context.Context) (time.Duration, error)
}

// EventType classifies pipeline events surfaced for external alerting.
type EventType string

const (
	EventMessageFailed EventType = "messageFailed"
)

// Event is a pipeline occurrence surfaced to the engine's event channel.
type Event struct {
	Type         EventType `json:"type"`
	MessageID    string    `json:"messageId"`
	ComponentID  string    `json:"componentId"`
	Property     string    `json:"property"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ControlHandler consumes control-plane messages, which bypass the
// reconciliation path entirely.
type ControlHandler func(ctx context.Context, msg twin.SyncMessage) error

// connInfo is per-connection bookkeeping fed by heartbeats.
type connInfo struct {
	conn         Connection
	lastSeen     time.Time
	rtt          time.Duration
	lostMessages int64
}

// delayedMessage is a message waiting out its linear backoff before
// re-dispatch.
type delayedMessage struct {
	msg          twin.SyncMessage
	connectionID string
	retryCount   int
	readyAt      time.Time
}

// Pipeline implements the message path. Ingress may be called from any
// goroutine; state mutation happens only inside Drain, which the owning
// engine calls from a single goroutine.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	store  *twin.Store
	ledger *history.Ledger
	recon  *reconcile.Engine

	queues  *queueSet
	pending *ackTable

	// messages waiting out retry backoff; swept by Drain
	delayedMu sync.Mutex
	delayed   []delayedMessage

	// consecutive apply failures per message ID, bounding batch requeues
	applyFailures map[string]int

	connsMu sync.RWMutex
	conns   map[string]*connInfo

	controlMu sync.RWMutex
	control   ControlHandler

	// broadcast targets, both optional
	broker      *Broker
	distributed Broadcaster

	events chan Event

	metrics *metric.Metrics // optional

	// counters read by the metrics supervisor
	statsMu   sync.Mutex
	received  int64
	processed int64
	failed    int64
	lost      int64
	retries   int64
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithBroker attaches the subscriber broker for processed-update fan-out.
func WithBroker(b *Broker) PipelineOption {
	return func(p *Pipeline) { p.broker = b }
}

// WithBroadcaster attaches the distributed channel for peer fan-out.
func WithBroadcaster(b Broadcaster) PipelineOption {
	return func(p *Pipeline) { p.distributed = b }
}

// WithMetrics attaches the Prometheus counters to the throughput sites.
func WithMetrics(m *metric.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithControlHandler routes control-plane messages to the handler.
func WithControlHandler(h ControlHandler) PipelineOption {
	return func(p *Pipeline) {
		p.control = h
	}
}

// NewPipeline creates a pipeline over the store, ledger, and reconciler.
func NewPipeline(
	cfg Config,
	store *twin.Store,
	ledger *history.Ledger,
	recon *reconcile.Engine,
	opts ...PipelineOption,
) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:           cfg,
		logger:        slog.Default(),
		now:           time.Now,
		store:         store,
		ledger:        ledger,
		recon:         recon,
		queues:        newQueueSet(),
		pending:       newAckTable(),
		conns:         make(map[string]*connInfo),
		applyFailures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.events = make(chan Event, p.cfg.EventBuffer)
	return p
}

// Events returns the channel carrying permanent-failure events.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// QueueDepth returns the number of buffered ingress messages.
func (p *Pipeline) QueueDepth() int {
	return p.queues.len()
}

// PendingAcks returns the number of dispatched messages awaiting ack.
func (p *Pipeline) PendingAcks() int {
	return p.pending.len()
}

// Stats is a snapshot of the pipeline throughput counters.
type Stats struct {
	Received  int64
	Processed int64
	Failed    int64
	Lost      int64
	Retries   int64
}

// Stats returns the current throughput counters.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return Stats{
		Received:  p.received,
		Processed: p.processed,
		Failed:    p.failed,
		Lost:      p.lost,
		Retries:   p.retries,
	}
}

// AddConnection registers a transport connection for heartbeats and acks.
func (p *Pipeline) AddConnection(conn Connection) {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	p.conns[conn.ID()] = &connInfo{conn: conn, lastSeen: p.now()}
}

// RemoveConnection drops a connection and every pending ack attributed to
// it, so nothing is retried against a dead peer.
func (p *Pipeline) RemoveConnection(connectionID string) {
	p.connsMu.Lock()
	delete(p.conns, connectionID)
	p.connsMu.Unlock()

	if dropped := p.pending.dropConnection(connectionID); dropped > 0 {
		p.logger.Info("dropped pending acks for lost connection",
			"connection", connectionID,
			"dropped", dropped)
	}
}

// ConnectionRTT returns the last measured heartbeat round-trip time.
func (p *Pipeline) ConnectionRTT(connectionID string) (time.Duration, bool) {
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()
	info, ok := p.conns[connectionID]
	if !ok {
		return 0, false
	}
	return info.rtt, true
}

// ConnectionStats is one connection's heartbeat and delivery bookkeeping.
type ConnectionStats struct {
	ConnectionID string
	LastSeen     time.Time
	RTT          time.Duration
	LostMessages int64
}

// ConnectionStats snapshots every registered connection. LastSeen is the
// time of the last answered heartbeat; a stale value flags a connection
// that stopped answering.
func (p *Pipeline) ConnectionStats() []ConnectionStats {
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()
	stats := make([]ConnectionStats, 0, len(p.conns))
	for id, info := range p.conns {
		stats = append(stats, ConnectionStats{
			ConnectionID: id,
			LastSeen:     info.lastSeen,
			RTT:          info.rtt,
			LostMessages: info.lostMessages,
		})
	}
	return stats
}

// Submit is the ingress path. Malformed messages are rejected immediately
// and never queued; valid ones are queued and acknowledged received.
// Control-plane messages bypass the queue into the control handler.
func (p *Pipeline) Submit(ctx context.Context, msg twin.SyncMessage, connectionID string) error {
	if err := msg.Validate(); err != nil {
		p.countFailed("validation")
		return err
	}

	if msg.Source == twin.SourceControl {
		return p.handleControl(ctx, msg)
	}

	if _, ok := p.store.GetComponent(msg.ComponentID); !ok {
		// unknown component: logged and dropped, not queued
		p.countFailed("unknown_component")
		p.logger.Warn("dropping message for unknown component",
			"message", msg.ID,
			"component", msg.ComponentID)
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownComponent, msg.ComponentID),
			"Pipeline", "Submit", "lookup component")
	}

	p.queues.push(msg)
	p.countReceived(msg.Source)
	p.sendAck(ctx, connectionID, Ack{
		MessageID: msg.ID,
		Status:    AckReceived,
		Timestamp: p.now(),
	})
	return nil
}

func (p *Pipeline) handleControl(ctx context.Context, msg twin.SyncMessage) error {
	p.controlMu.RLock()
	handler := p.control
	p.controlMu.RUnlock()

	if handler == nil {
		return errors.WrapInvalid(
			fmt.Errorf("no control handler registered"),
			"Pipeline", "Submit", "route control message")
	}
	if err := handler(ctx, msg); err != nil {
		return errors.Wrap(err, "Pipeline", "Submit", "handle control message")
	}
	return nil
}

// SetControlHandler replaces the control-plane handler.
func (p *Pipeline) SetControlHandler(h ControlHandler) {
	p.controlMu.Lock()
	p.control = h
	p.controlMu.Unlock()
}

// Drain runs one drain cycle: pops a sorted batch per non-empty queue and
// applies it in order. Also sweeps the pending-ack table and releases
// messages whose retry backoff elapsed. The engine calls this from a single
// goroutine; it is the only state-mutating path.
func (p *Pipeline) Drain(ctx context.Context) {
	p.releaseDelayed(ctx)

	for _, key := range p.queues.keys() {
		batch := p.queues.popBatch(key, p.cfg.BatchSize)
		if len(batch) == 0 {
			continue
		}
		p.applyBatch(ctx, key, batch)
	}

	p.sweepPending(ctx)
}

// applyBatch applies messages in sorted order: store write, history append,
// divergence check, subscriber broadcast, distributed publish. On failure
// the unapplied remainder goes back to the front of its queue; a message
// that keeps failing is dropped once it exhausts the retry ceiling.
func (p *Pipeline) applyBatch(ctx context.Context, key string, batch []twin.SyncMessage) {
	for i, msg := range batch {
		err := p.applyOne(ctx, msg)
		if err == nil {
			delete(p.applyFailures, msg.ID)
			p.countProcessed(msg.Source)
			p.sendAckAll(ctx, Ack{
				MessageID: msg.ID,
				Status:    AckProcessed,
				Timestamp: p.now(),
			})
			continue
		}
		err = fmt.Errorf("%w: %v", errors.ErrProcessing, err)

		p.countFailed("processing")
		p.sendAckAll(ctx, Ack{
			MessageID: msg.ID,
			Status:    AckFailed,
			Error:     err.Error(),
			Timestamp: p.now(),
		})

		p.applyFailures[msg.ID]++
		if p.applyFailures[msg.ID] > p.cfg.MaxRetries {
			delete(p.applyFailures, msg.ID)
			p.countLost()
			p.emit(Event{
				Type:        EventMessageFailed,
				MessageID:   msg.ID,
				ComponentID: msg.ComponentID,
				Property:    msg.Property,
				Error:       err.Error(),
				Timestamp:   p.now(),
			})
			p.logger.Error("dropping message after repeated apply failures",
				"queue", key,
				"message", msg.ID,
				"error", err)
			p.queues.pushFront(key, batch[i+1:])
			return
		}

		p.logger.Error("batch apply failed, requeueing remainder",
			"queue", key,
			"message", msg.ID,
			"error", err)
		p.queues.pushFront(key, batch[i:])
		return
	}
}

func (p *Pipeline) applyOne(ctx context.Context, msg twin.SyncMessage) error {
	st := twin.State{
		ID:         uuid.NewString(),
		Timestamp:  msg.Timestamp,
		Source:     msg.Source,
		Confidence: 1.0,
		Value:      msg.Value,
		Quality:    msg.Metadata.Quality,
		LastUpdate: p.now(),
	}

	if _, err := p.store.UpsertState(msg.ComponentID, msg.Source, msg.Property, st); err != nil {
		return err
	}
	if p.metrics != nil {
		if latency := p.now().Sub(msg.Timestamp); latency > 0 {
			p.metrics.SyncLatency.Observe(latency.Seconds())
		}
	}

	p.ledger.Append(msg.ComponentID, msg.Property, st)

	if msg.Source == twin.SourcePhysical {
		diverged, err := p.recon.CheckDivergence(msg.ComponentID, msg.Property)
		if err != nil {
			return err
		}
		if diverged && p.metrics != nil {
			p.metrics.DivergencesTotal.Inc()
		}
	}

	if p.broker != nil {
		p.broker.BroadcastUpdate(Update{
			ComponentID: msg.ComponentID,
			Property:    msg.Property,
			State:       st,
		})
	}

	if p.distributed != nil {
		if err := p.distributed.Publish(ctx, Update{
			ComponentID: msg.ComponentID,
			Property:    msg.Property,
			State:       st,
		}); err != nil {
			// peer fan-out is best effort; local state is already applied
			p.logger.Warn("distributed publish failed",
				"component", msg.ComponentID,
				"property", msg.Property,
				"error", err)
		}
	}
	return nil
}

// ApplyRemote applies a peer instance's processed update directly to the
// store and ledger, without re-broadcasting.
func (p *Pipeline) ApplyRemote(update Update) error {
	source := update.State.Source
	if _, err := p.store.UpsertState(update.ComponentID, source, update.Property, update.State); err != nil {
		return err
	}
	p.ledger.Append(update.ComponentID, update.Property, update.State)
	return nil
}

// Dispatch sends a message to a connection and tracks it in the pending-ack
// table. The retryCount of earlier attempts carries over.
func (p *Pipeline) Dispatch(ctx context.Context, msg twin.SyncMessage, connectionID string) error {
	return p.dispatch(ctx, msg, connectionID, 0)
}

func (p *Pipeline) dispatch(ctx context.Context, msg twin.SyncMessage, connectionID string, retryCount int) error {
	p.connsMu.RLock()
	info, ok := p.conns[connectionID]
	p.connsMu.RUnlock()
	if !ok {
		return errors.WrapTransient(
			fmt.Errorf("%w: connection %s", errors.ErrConnectionLost, connectionID),
			"Pipeline", "Dispatch", "lookup connection")
	}

	p.pending.track(msg, connectionID, p.now(), retryCount)

	if err := info.conn.SendMessage(ctx, msg); err != nil {
		// leave the entry pending; the sweep will retry it
		return errors.WrapTransient(err, "Pipeline", "Dispatch", "send message")
	}
	return nil
}

// HandleAck resolves a pending dispatch. Late acks for messages already
// timed out are ignored.
func (p *Pipeline) HandleAck(ack Ack) {
	if !p.pending.resolve(ack.MessageID) {
		p.logger.Debug("ignoring ack for message no longer pending",
			"message", ack.MessageID,
			"status", ack.Status)
	}
}

// sweepPending treats pending entries older than MessageTimeout as lost:
// bounded linear-backoff retries, then exactly one permanent-failure event.
func (p *Pipeline) sweepPending(_ context.Context) {
	now := p.now()
	for _, entry := range p.pending.expire(now.Add(-p.cfg.MessageTimeout)) {
		if entry.retryCount < p.cfg.MaxRetries {
			retryCount := entry.retryCount + 1
			delay := p.cfg.RetryDelay * time.Duration(retryCount)
			p.countRetry()
			p.delayedMu.Lock()
			p.delayed = append(p.delayed, delayedMessage{
				msg:          entry.msg,
				connectionID: entry.connectionID,
				retryCount:   retryCount,
				readyAt:      now.Add(delay),
			})
			p.delayedMu.Unlock()
			p.logger.Debug("message timed out, scheduling retry",
				"message", entry.msg.ID,
				"attempt", retryCount,
				"delay", delay)
			continue
		}

		p.countLost()
		p.bumpLost(entry.connectionID)
		failure := fmt.Errorf("%w: no ack after %d retries",
			errors.ErrMaxRetriesExceeded, entry.retryCount)
		p.emit(Event{
			Type:         EventMessageFailed,
			MessageID:    entry.msg.ID,
			ComponentID:  entry.msg.ComponentID,
			Property:     entry.msg.Property,
			ConnectionID: entry.connectionID,
			Error:        failure.Error(),
			Timestamp:    now,
		})
		p.logger.Error("message permanently failed",
			"message", entry.msg.ID,
			"connection", entry.connectionID,
			"retries", entry.retryCount)
	}
}

// releaseDelayed re-dispatches messages whose backoff elapsed.
func (p *Pipeline) releaseDelayed(ctx context.Context) {
	now := p.now()

	p.delayedMu.Lock()
	var ready []delayedMessage
	remaining := p.delayed[:0]
	for _, d := range p.delayed {
		if !d.readyAt.After(now) {
			ready = append(ready, d)
		} else {
			remaining = append(remaining, d)
		}
	}
	p.delayed = remaining
	p.delayedMu.Unlock()

	for _, d := range ready {
		if err := p.dispatch(ctx, d.msg, d.connectionID, d.retryCount); err != nil {
			p.logger.Warn("retry dispatch failed",
				"message", d.msg.ID,
				"attempt", d.retryCount,
				"error", err)
		}
	}
}

// Heartbeat pings every connection and records RTT and last-seen. Liveness
// decisions belong to the transport; this only feeds the metrics snapshot.
func (p *Pipeline) Heartbeat(ctx context.Context) {
	p.connsMu.RLock()
	conns := make([]*connInfo, 0, len(p.conns))
	for _, info := range p.conns {
		conns = append(conns, info)
	}
	p.connsMu.RUnlock()

	for _, info := range conns {
		rtt, err := info.conn.Ping(ctx)
		if err != nil {
			p.logger.Debug("heartbeat missed",
				"connection", info.conn.ID(),
				"error", err)
			continue
		}
		p.connsMu.Lock()
		info.rtt = rtt
		info.lastSeen = p.now()
		p.connsMu.Unlock()
	}
}

func (p *Pipeline) sendAck(ctx context.Context, connectionID string, ack Ack) {
	if connectionID == "" {
		return
	}
	p.connsMu.RLock()
	info, ok := p.conns[connectionID]
	p.connsMu.RUnlock()
	if !ok {
		return
	}
	if err := info.conn.SendAck(ctx, ack); err != nil {
		p.logger.Debug("ack delivery failed",
			"connection", connectionID,
			"message", ack.MessageID,
			"error", err)
	}
}

// sendAckAll delivers processing acks to every connection; origin
// attribution is not retained past the ingress queue.
func (p *Pipeline) sendAckAll(ctx context.Context, ack Ack) {
	p.connsMu.RLock()
	conns := make([]*connInfo, 0, len(p.conns))
	for _, info := range p.conns {
		conns = append(conns, info)
	}
	p.connsMu.RUnlock()

	for _, info := range conns {
		if err := info.conn.SendAck(ctx, ack); err != nil {
			p.logger.Debug("ack delivery failed",
				"connection", info.conn.ID(),
				"message", ack.MessageID,
				"error", err)
		}
	}
}

func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("event channel full, dropping event",
			"type", ev.Type,
			"message", ev.MessageID)
	}
}

func (p *Pipeline) bumpLost(connectionID string) {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	if info, ok := p.conns[connectionID]; ok {
		info.lostMessages++
	}
}

func (p *Pipeline) countReceived(source twin.Source) {
	p.statsMu.Lock()
	p.received++
	p.statsMu.Unlock()
	if p.metrics != nil {
		p.metrics.MessagesReceived.WithLabelValues(string(source), "stateUpdate").Inc()
	}
}

func (p *Pipeline) countProcessed(source twin.Source) {
	p.statsMu.Lock()
	p.processed++
	p.statsMu.Unlock()
	if p.metrics != nil {
		p.metrics.MessagesProcessed.WithLabelValues(string(source), "stateUpdate").Inc()
	}
}

func (p *Pipeline) countFailed(reason string) {
	p.statsMu.Lock()
	p.failed++
	p.statsMu.Unlock()
	if p.metrics != nil {
		p.metrics.MessagesFailed.WithLabelValues(reason).Inc()
	}
}

func (p *Pipeline) countLost() {
	p.statsMu.Lock()
	p.lost++
	p.statsMu.Unlock()
	if p.metrics != nil {
		p.metrics.MessagesLost.Inc()
	}
}

func (p *Pipeline) countRetry() {
	p.statsMu.Lock()
	p.retries++
	p.statsMu.Unlock()
	if p.metrics != nil {
		p.metrics.RetriesTotal.Inc()
	}
}

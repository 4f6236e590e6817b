package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/natsclient"
)

// Broadcaster fans processed updates out to peer engine instances.
type Broadcaster interface {
	Publish(ctx context.Context, update Update) error
}

// syncEnvelope is the wire format on the distributed channel. InstanceID
// lets consumers drop their own traffic.
type syncEnvelope struct {
	InstanceID string `json:"instanceId"`
	Update     Update `json:"update"`
}

// Distributed is the NATS-backed distributed channel. Each processed update
// goes out on twin.sync.<componentID>.<property>; peers consume the
// wildcard and ignore self-originated envelopes.
type Distributed struct {
	client     *natsclient.Client
	instanceID string
	logger     *slog.Logger
}

// NewDistributed creates the distributed channel over an established NATS
// client. The instance ID is generated per engine instance.
func NewDistributed(client *natsclient.Client, logger *slog.Logger) *Distributed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributed{
		client:     client,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

// InstanceID returns this instance's identity on the channel.
func (d *Distributed) InstanceID() string { return d.instanceID }

// Publish sends one processed update to peers.
func (d *Distributed) Publish(ctx context.Context, update Update) error {
	payload, err := json.Marshal(syncEnvelope{
		InstanceID: d.instanceID,
		Update:     update,
	})
	if err != nil {
		return errors.WrapInvalid(err, "Distributed", "Publish", "marshal envelope")
	}

	subject := fmt.Sprintf("twin.sync.%s.%s", update.ComponentID, update.Property)
	return d.client.Publish(ctx, subject, payload)
}

// Consume subscribes to peers' updates and applies them through the
// pipeline. Self-originated envelopes are dropped by instance ID.
func (d *Distributed) Consume(ctx context.Context, p *Pipeline) error {
	return d.client.Subscribe(ctx, "twin.sync.>", func(_ context.Context, data []byte) {
		var env syncEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			d.logger.Warn("dropping malformed peer update", "error", err)
			return
		}
		if env.InstanceID == d.instanceID {
			return
		}
		if err := p.ApplyRemote(env.Update); err != nil {
			d.logger.Warn("peer update apply failed",
				"component", env.Update.ComponentID,
				"property", env.Update.Property,
				"error", err)
		}
	})
}

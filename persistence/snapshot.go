// Package persistence stores component snapshots in a JetStream KV bucket
// so an engine instance can cold-start from its last known state. An absent
// snapshot means an empty store, not an error.
package persistence

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/natsclient"
	"github.com/c360/twinsync/twin"
)

// BucketName is the default KV bucket holding component snapshots.
const BucketName = "twinsync_snapshots"

// KV is the key-value surface the snapshot store needs. Satisfied by
// natsclient.KVStore.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	UpdateWithRetry(ctx context.Context, key string, modify func(current []byte) ([]byte, error)) (uint64, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// snapshot is the stored form of one component.
type snapshot struct {
	Component twin.Component `json:"component"`
	SavedAt   time.Time      `json:"savedAt"`
}

// SnapshotStore exports and imports the twin store through a KV bucket,
// one key per component.
type SnapshotStore struct {
	kv     KV
	store  *twin.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a SnapshotStore.
type Option func(*SnapshotStore)

// WithLogger sets the snapshot store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SnapshotStore) { s.logger = logger }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *SnapshotStore) { s.now = now }
}

// NewSnapshotStore creates a snapshot store over the KV bucket.
func NewSnapshotStore(kv KV, store *twin.Store, opts ...Option) *SnapshotStore {
	s := &SnapshotStore{
		kv:     kv,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export writes every registered component to the bucket.
func (s *SnapshotStore) Export(ctx context.Context) error {
	var errs []error
	for _, comp := range s.store.Components() {
		if err := s.ExportComponent(ctx, comp.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// ExportComponent writes one component's snapshot.
func (s *SnapshotStore) ExportComponent(ctx context.Context, componentID string) error {
	comp, ok := s.store.GetComponent(componentID)
	if !ok {
		return errors.WrapInvalid(
			errors.ErrUnknownComponent,
			"SnapshotStore", "ExportComponent", "lookup "+componentID)
	}

	payload, err := json.Marshal(snapshot{Component: comp, SavedAt: s.now()})
	if err != nil {
		return errors.WrapInvalid(err, "SnapshotStore", "ExportComponent", "marshal "+componentID)
	}

	// CAS write so concurrent instances exporting the same component
	// serialize instead of clobbering an interleaved revision
	_, err = s.kv.UpdateWithRetry(ctx, componentID, func([]byte) ([]byte, error) {
		return payload, nil
	})
	if err != nil {
		return errors.Wrap(err, "SnapshotStore", "ExportComponent", "put "+componentID)
	}
	return nil
}

// Import restores every stored component into the twin store. An empty or
// missing bucket leaves the store untouched.
func (s *SnapshotStore) Import(ctx context.Context) error {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return errors.Wrap(err, "SnapshotStore", "Import", "list snapshots")
	}
	if len(keys) == 0 {
		s.logger.Info("no stored snapshots, starting empty")
		return nil
	}

	var errs []error
	restored := 0
	for _, key := range keys {
		if err := s.ImportComponent(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		restored++
	}

	s.logger.Info("snapshot import finished",
		"restored", restored,
		"failed", len(errs))
	return stderrors.Join(errs...)
}

// ImportComponent restores one component. A registered component is
// replaced in place; an unregistered one is registered with its stored
// state. A missing key is not an error.
func (s *SnapshotStore) ImportComponent(ctx context.Context, componentID string) error {
	entry, err := s.kv.Get(ctx, componentID)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil
		}
		return errors.Wrap(err, "SnapshotStore", "ImportComponent", "get "+componentID)
	}

	var snap snapshot
	if err := json.Unmarshal(entry.Value, &snap); err != nil {
		return errors.WrapInvalid(err, "SnapshotStore", "ImportComponent", "unmarshal "+componentID)
	}

	comp := snap.Component
	if _, exists := s.store.GetComponent(comp.ID); !exists {
		return s.store.RegisterComponent(comp)
	}
	return s.store.Update(comp.ID, func(c *twin.Component) error {
		clone := comp.Clone()
		if clone.PhysicalState == nil {
			clone.PhysicalState = make(map[string]twin.State)
		}
		if clone.VirtualState == nil {
			clone.VirtualState = make(map[string]twin.State)
		}
		if clone.PredictedState == nil {
			clone.PredictedState = make(map[string]twin.State)
		}
		*c = clone
		return nil
	})
}

// Delete removes one component's stored snapshot.
func (s *SnapshotStore) Delete(ctx context.Context, componentID string) error {
	if err := s.kv.Delete(ctx, componentID); err != nil {
		return errors.Wrap(err, "SnapshotStore", "Delete", "delete "+componentID)
	}
	return nil
}

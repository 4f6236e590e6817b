package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/natsclient"
	"github.com/c360/twinsync/twin"
)

// fakeKV is an in-memory stand-in for the JetStream bucket.
type fakeKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	rev    uint64
	getErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	value, ok := f.data[key]
	if !ok {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrKeyNotFound, key),
			"fakeKV", "Get", "lookup key")
	}
	return &natsclient.KVEntry{Key: key, Value: value, Revision: f.rev}, nil
}

func (f *fakeKV) UpdateWithRetry(_ context.Context, key string, modify func([]byte) ([]byte, error)) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := modify(f.data[key])
	if err != nil {
		return 0, err
	}
	f.rev++
	f.data[key] = append([]byte{}, next...)
	return f.rev, nil
}

func (f *fakeKV) put(key string, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rev++
	f.data[key] = append([]byte{}, value...)
}

func (f *fakeKV) Keys(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func seedStore(t *testing.T) *twin.Store {
	t.Helper()
	store := twin.NewStore()
	require.NoError(t, store.RegisterComponent(twin.Component{
		ID:   "tank-1",
		Type: twin.TypeTank,
		Name: "Asphalt Tank 1",
	}))
	st := twin.State{
		ID:        "s1",
		Timestamp: time.Now(),
		Source:    twin.SourcePhysical,
		Value:     160,
		Quality:   twin.QualityGood,
	}
	_, err := store.UpsertState("tank-1", twin.SourcePhysical, "temperature", st)
	require.NoError(t, err)
	return store
}

func TestSnapshotRoundTrip(t *testing.T) {
	kv := newFakeKV()
	source := seedStore(t)
	ctx := context.Background()

	require.NoError(t, NewSnapshotStore(kv, source).Export(ctx))

	// cold start into a fresh store
	target := twin.NewStore()
	require.NoError(t, NewSnapshotStore(kv, target).Import(ctx))

	comp, ok := target.GetComponent("tank-1")
	require.True(t, ok)
	assert.Equal(t, "Asphalt Tank 1", comp.Name)
	assert.Equal(t, 160.0, comp.PhysicalState["temperature"].Value)
	assert.Equal(t, twin.QualityGood, comp.PhysicalState["temperature"].Quality)
}

func TestImportWithEmptyBucket(t *testing.T) {
	kv := newFakeKV()
	store := twin.NewStore()

	require.NoError(t, NewSnapshotStore(kv, store).Import(context.Background()))
	assert.Zero(t, store.Len())
}

func TestImportReplacesRegisteredComponent(t *testing.T) {
	kv := newFakeKV()
	source := seedStore(t)
	ctx := context.Background()
	require.NoError(t, NewSnapshotStore(kv, source).Export(ctx))

	target := twin.NewStore()
	require.NoError(t, target.RegisterComponent(twin.Component{ID: "tank-1", Type: twin.TypeTank, Name: "stale"}))

	require.NoError(t, NewSnapshotStore(kv, target).Import(ctx))

	comp, _ := target.GetComponent("tank-1")
	assert.Equal(t, "Asphalt Tank 1", comp.Name)
	assert.Equal(t, 160.0, comp.PhysicalState["temperature"].Value)
}

func TestImportComponentMissingKey(t *testing.T) {
	kv := newFakeKV()
	store := twin.NewStore()

	// absence of a snapshot is not an error
	assert.NoError(t, NewSnapshotStore(kv, store).ImportComponent(context.Background(), "ghost"))
	assert.Zero(t, store.Len())
}

func TestImportSkipsCorruptSnapshot(t *testing.T) {
	kv := newFakeKV()
	source := seedStore(t)
	ctx := context.Background()
	require.NoError(t, NewSnapshotStore(kv, source).Export(ctx))
	kv.put("broken", []byte("{not json"))

	target := twin.NewStore()
	err := NewSnapshotStore(kv, target).Import(ctx)
	require.Error(t, err)

	// the intact snapshot was still restored
	_, ok := target.GetComponent("tank-1")
	assert.True(t, ok)
}

func TestExportComponentUnknown(t *testing.T) {
	kv := newFakeKV()
	store := twin.NewStore()

	err := NewSnapshotStore(kv, store).ExportComponent(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownComponent)
}

func TestDelete(t *testing.T) {
	kv := newFakeKV()
	source := seedStore(t)
	ctx := context.Background()
	s := NewSnapshotStore(kv, source)
	require.NoError(t, s.Export(ctx))

	require.NoError(t, s.Delete(ctx, "tank-1"))
	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

package natsclient

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/twinsync/errors"
)

// fakeBucket is an in-memory jetstream.KeyValue with real revision
// semantics. The embedded interface panics for anything KVStore never
// calls.
type fakeBucket struct {
	jetstream.KeyValue

	mu   sync.Mutex
	data map[string]fakeEntry

	// preUpdate runs before each Update, letting a test interleave a
	// competing write to force a CAS conflict.
	preUpdate func()
}

type fakeEntry struct {
	value    []byte
	revision uint64
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{data: make(map[string]fakeEntry)}
}

func (f *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeKVEntry{key: key, value: entry.value, revision: entry.revision}, nil
}

func (f *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev := f.data[key].revision + 1
	f.data[key] = fakeEntry{value: append([]byte{}, value...), revision: rev}
	return rev, nil
}

func (f *fakeBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	f.data[key] = fakeEntry{value: append([]byte{}, value...), revision: 1}
	return 1, nil
}

func (f *fakeBucket) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if f.preUpdate != nil {
		f.preUpdate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.data[key]
	if !ok || entry.revision != revision {
		return 0, stderrors.New("nats: wrong last sequence")
	}
	rev := revision + 1
	f.data[key] = fakeEntry{value: append([]byte{}, value...), revision: rev}
	return rev, nil
}

func (f *fakeBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(f.data, key)
	return nil
}

func (f *fakeBucket) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}

type fakeKVEntry struct {
	key      string
	value    []byte
	revision uint64
}

func (e *fakeKVEntry) Key() string                     { return e.key }
func (e *fakeKVEntry) Value() []byte                   { return e.value }
func (e *fakeKVEntry) Revision() uint64                { return e.revision }
func (e *fakeKVEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }
func (e *fakeKVEntry) Created() time.Time              { return time.Now() }
func (e *fakeKVEntry) Delta() uint64                   { return 0 }
func (e *fakeKVEntry) Bucket() string                  { return "test-bucket" }

func newTestKVStore(bucket jetstream.KeyValue) *KVStore {
	return NewKVStore(bucket, func(o *KVOptions) {
		o.RetryDelay = time.Millisecond
	})
}

func TestKVStoreGetAbsentKey(t *testing.T) {
	kv := newTestKVStore(newFakeBucket())

	_, err := kv.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	assert.True(t, errors.IsTransient(err))
}

func TestKVStorePutThenGet(t *testing.T) {
	kv := newTestKVStore(newFakeBucket())
	ctx := context.Background()

	rev, err := kv.Put(ctx, "tank-1", []byte(`{"level":42}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	entry, err := kv.Get(ctx, "tank-1")
	require.NoError(t, err)
	assert.Equal(t, "tank-1", entry.Key)
	assert.Equal(t, []byte(`{"level":42}`), entry.Value)
	assert.Equal(t, uint64(1), entry.Revision)
}

func TestKVStoreUpdateStaleRevision(t *testing.T) {
	bucket := newFakeBucket()
	kv := newTestKVStore(bucket)
	ctx := context.Background()

	_, err := kv.Put(ctx, "tank-1", []byte("a"))
	require.NoError(t, err)
	_, err = kv.Put(ctx, "tank-1", []byte("b"))
	require.NoError(t, err)

	// revision 1 is stale, the key is at revision 2
	_, err = kv.Update(ctx, "tank-1", []byte("c"), 1)
	require.Error(t, err)

	rev, err := kv.Update(ctx, "tank-1", []byte("c"), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rev)
}

func TestKVStoreUpdateWithRetryCreatesAbsentKey(t *testing.T) {
	bucket := newFakeBucket()
	kv := newTestKVStore(bucket)

	var sawCurrent []byte
	rev, err := kv.UpdateWithRetry(context.Background(), "fresh", func(current []byte) ([]byte, error) {
		sawCurrent = current
		return []byte("v1"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)
	assert.Nil(t, sawCurrent)

	entry, err := kv.Get(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), entry.Value)
}

func TestKVStoreUpdateWithRetrySurvivesConflict(t *testing.T) {
	bucket := newFakeBucket()
	kv := newTestKVStore(bucket)
	ctx := context.Background()

	_, err := kv.Put(ctx, "tank-1", []byte("base"))
	require.NoError(t, err)

	// a competing writer slips in before the first Update, invalidating
	// the revision read by Get
	interfered := false
	bucket.preUpdate = func() {
		if interfered {
			return
		}
		interfered = true
		if _, putErr := bucket.Put(ctx, "tank-1", []byte("rival")); putErr != nil {
			t.Errorf("competing put: %v", putErr)
		}
	}

	attempts := 0
	rev, err := kv.UpdateWithRetry(ctx, "tank-1", func(current []byte) ([]byte, error) {
		attempts++
		return append(append([]byte{}, current...), '!'), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, uint64(3), rev)

	entry, err := kv.Get(ctx, "tank-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("rival!"), entry.Value)
}

func TestKVStoreUpdateWithRetryStopsOnModifyError(t *testing.T) {
	bucket := newFakeBucket()
	kv := newTestKVStore(bucket)

	attempts := 0
	modifyErr := stderrors.New("payload too large")
	_, err := kv.UpdateWithRetry(context.Background(), "tank-1", func([]byte) ([]byte, error) {
		attempts++
		return nil, modifyErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, modifyErr)
	assert.Equal(t, 1, attempts, "modify errors must not be retried")
}

func TestKVStoreDeleteAbsentKey(t *testing.T) {
	kv := newTestKVStore(newFakeBucket())

	err := kv.Delete(context.Background(), "never-existed")
	assert.NoError(t, err)
}

func TestKVStoreKeysEmptyBucket(t *testing.T) {
	bucket := newFakeBucket()
	kv := newTestKVStore(bucket)
	ctx := context.Background()

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = kv.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	_, err = kv.Put(ctx, "b", []byte("2"))
	require.NoError(t, err)

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

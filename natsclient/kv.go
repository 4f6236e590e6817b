package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/pkg/retry"
)

// KVEntry is a value together with the revision needed for CAS updates.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions tunes KV operation behavior.
type KVOptions struct {
	MaxRetries int           // CAS retry attempts
	RetryDelay time.Duration // initial delay between CAS retries
	Timeout    time.Duration // per-operation timeout
}

// DefaultKVOptions returns defaults suited to low-contention snapshot
// writes.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries: 5,
		RetryDelay: 10 * time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

// KVStore wraps a JetStream KV bucket with timeouts and CAS retry.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
}

// NewKVStore wraps the bucket with the client's defaults.
func NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{bucket: bucket, options: options}
}

func (kv *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get returns the value and revision for a key. Absence maps to
// ErrKeyNotFound.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if isKVNotFound(err) {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %s", errors.ErrKeyNotFound, key),
				"KVStore", "Get", "lookup key")
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get", "get "+key)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes a key unconditionally, last writer wins.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVStore", "Put", "put "+key)
	}
	return rev, nil
}

// Update writes a key only if the revision still matches.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVStore", "Update", "update "+key)
	}
	return rev, nil
}

// UpdateWithRetry performs a read-modify-write with CAS retry. modify
// receives the current value (nil when the key is absent) and returns the
// new value to write.
func (kv *KVStore) UpdateWithRetry(
	ctx context.Context,
	key string,
	modify func(current []byte) ([]byte, error),
) (uint64, error) {
	cfg := retry.Config{
		MaxAttempts:  kv.options.MaxRetries,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}

	return retry.DoWithResult(ctx, cfg, func() (uint64, error) {
		var current []byte
		var revision uint64

		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current = entry.Value
			revision = entry.Revision
		case stderrors.Is(err, errors.ErrKeyNotFound):
			// absent key: create below
		default:
			return 0, err
		}

		next, err := modify(current)
		if err != nil {
			return 0, retry.NonRetryable(err)
		}

		if revision == 0 {
			opCtx, cancel := kv.withTimeout(ctx)
			defer cancel()
			rev, err := kv.bucket.Create(opCtx, key, next)
			if err != nil {
				return 0, errors.WrapTransient(err, "KVStore", "UpdateWithRetry", "create "+key)
			}
			return rev, nil
		}
		return kv.Update(ctx, key, next, revision)
	})
}

// Delete removes a key. Deleting an absent key is not an error.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil && !isKVNotFound(err) {
		return errors.WrapTransient(err, "KVStore", "Delete", "delete "+key)
	}
	return nil
}

// Keys lists all keys in the bucket; an empty bucket yields an empty slice.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if isKVNotFound(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "Keys", "list keys")
	}
	return keys, nil
}

func isKVNotFound(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrNoKeysFound) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}

// Package history keeps an append-only, time-bounded log of state values
// per (component, property) pair. Memory stays bounded two ways: appends
// prune their own key in the same call, and a periodic sweep prunes keys
// that receive no new writes.
package history

import (
	"sync"
	"time"

	"github.com/c360/twinsync/twin"
)

// DefaultRetention is the default history retention window.
const DefaultRetention = 24 * time.Hour

// Ledger is the history log. Safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	entries   map[string][]twin.State
	retention time.Duration
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetention overrides the retention window.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// WithClock overrides the ledger's time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates an empty ledger with the default 24h retention.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		entries:   make(map[string][]twin.State),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func key(componentID, property string) string {
	return componentID + "." + property
}

// Append pushes a state onto the per-key sequence, then drops entries older
// than the retention window in the same call (amortized prune-on-write).
func (l *Ledger) Append(componentID, property string, st twin.State) {
	k := key(componentID, property)
	cutoff := l.now().Add(-l.retention)

	l.mu.Lock()
	seq := append(l.entries[k], st)
	l.entries[k] = pruneBefore(seq, cutoff)
	l.mu.Unlock()
}

// Query returns all entries for the key within the window, oldest first.
// The returned slice is a finite, restartable view owned by the caller.
func (l *Ledger) Query(componentID, property string, window time.Duration) []twin.State {
	if window <= 0 {
		window = l.retention
	}
	cutoff := l.now().Add(-window)

	l.mu.RLock()
	seq := l.entries[key(componentID, property)]
	out := make([]twin.State, 0, len(seq))
	for _, st := range seq {
		if !st.Timestamp.Before(cutoff) {
			out = append(out, st)
		}
	}
	l.mu.RUnlock()

	return out
}

// PruneAll applies the retention cutoff to every key. This catches keys that
// receive no new writes and would otherwise never shrink. Keys left empty
// are removed entirely.
func (l *Ledger) PruneAll() int {
	cutoff := l.now().Add(-l.retention)
	pruned := 0

	l.mu.Lock()
	for k, seq := range l.entries {
		kept := pruneBefore(seq, cutoff)
		pruned += len(seq) - len(kept)
		if len(kept) == 0 {
			delete(l.entries, k)
		} else {
			l.entries[k] = kept
		}
	}
	l.mu.Unlock()

	return pruned
}

// Len returns the total number of retained entries across all keys.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, seq := range l.entries {
		n += len(seq)
	}
	return n
}

// Keys returns the number of tracked (component, property) keys.
func (l *Ledger) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// pruneBefore keeps only entries at or after the cutoff. Entries arrive in
// append order, which tracks timestamp order closely but is not guaranteed,
// so every entry is checked rather than assuming a sorted prefix.
func pruneBefore(seq []twin.State, cutoff time.Time) []twin.State {
	kept := seq[:0]
	for _, st := range seq {
		if !st.Timestamp.Before(cutoff) {
			kept = append(kept, st)
		}
	}
	return kept
}

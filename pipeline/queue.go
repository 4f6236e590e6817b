package pipeline

import (
	"sort"
	"sync"

	"github.com/c360/twinsync/twin"
)

// queueSet holds the per-(componentID, property) ingress queues. Everything
// is guarded by one mutex; the drain loop is the only consumer.
type queueSet struct {
	mu     sync.Mutex
	queues map[string][]twin.SyncMessage
	depth  int
}

func newQueueSet() *queueSet {
	return &queueSet{queues: make(map[string][]twin.SyncMessage)}
}

func (q *queueSet) push(msg twin.SyncMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := msg.QueueKey()
	q.queues[key] = append(q.queues[key], msg)
	q.depth++
}

// pushFront re-enqueues a failed batch ahead of anything that arrived in
// the meantime, preserving its position in the ordering.
func (q *queueSet) pushFront(key string, batch []twin.SyncMessage) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[key] = append(append([]twin.SyncMessage{}, batch...), q.queues[key]...)
	q.depth += len(batch)
}

// popBatch removes up to n messages from the key's queue, sorted ascending
// by (timestamp, sequenceNumber).
func (q *queueSet) popBatch(key string, n int) []twin.SyncMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[key]
	if len(queue) == 0 {
		return nil
	}
	if n > len(queue) {
		n = len(queue)
	}

	batch := make([]twin.SyncMessage, n)
	copy(batch, queue[:n])
	rest := queue[n:]
	if len(rest) == 0 {
		delete(q.queues, key)
	} else {
		q.queues[key] = rest
	}
	q.depth -= n

	sort.SliceStable(batch, func(i, j int) bool {
		if !batch[i].Timestamp.Equal(batch[j].Timestamp) {
			return batch[i].Timestamp.Before(batch[j].Timestamp)
		}
		return batch[i].Metadata.SequenceNumber < batch[j].Metadata.SequenceNumber
	})
	return batch
}

// keys returns the keys of all non-empty queues.
func (q *queueSet) keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.queues))
	for key := range q.queues {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (q *queueSet) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

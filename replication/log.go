package replication

import (
	"sync"

	"github.com/litekeeper/litekeeper/observability"
)

// defaultLogCapacity bounds the in-memory tail kept for replica catch-up.
// Replicas further behind than this get a snapshot instead.
const defaultLogCapacity = 4096

// Log is the primary's mutation log: committed mutations in commit order,
// each stamped with a monotonically increasing sequence number. Only a
// bounded tail is retained; requests below the tail force a snapshot resync.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	firstSeq uint64 // sequence of entries[0], 0 when empty
	lastSeq  uint64
	capacity int
}

// NewLog initializes an empty log.
func NewLog() *Log {
	return &Log{capacity: defaultLogCapacity}
}

// NewLogWithCapacity initializes a log with a custom tail size.
func NewLogWithCapacity(capacity int) *Log {
	if capacity < 1 {
		capacity = 1
	}
	return &Log{capacity: capacity}
}

// Append stamps the mutation with the next sequence number and stores it.
func (l *Log) Append(epoch int64, m Mutation) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	e := Entry{Seq: l.lastSeq, Epoch: epoch, Mutation: m}
	l.entries = append(l.entries, e)
	if l.firstSeq == 0 {
		l.firstSeq = e.Seq
	}

	// Truncate the head beyond capacity.
	if len(l.entries) > l.capacity {
		drop := len(l.entries) - l.capacity
		l.entries = append([]Entry(nil), l.entries[drop:]...)
		l.firstSeq = l.entries[0].Seq
	}

	observability.CommittedSequence.Set(float64(l.lastSeq))
	return e
}

// CommittedSeq returns the last committed sequence number.
func (l *Log) CommittedSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// Reset positions the log after a snapshot restore on a newly promoted
// node, so its first append continues the stream rather than restarting it.
func (l *Log) Reset(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.firstSeq = 0
	l.lastSeq = seq
	observability.CommittedSequence.Set(float64(seq))
}

// EntriesFrom returns all retained entries with sequence >= from, in order.
// ok is false when the requested position has been truncated away and the
// caller needs a full snapshot instead.
func (l *Log) EntriesFrom(from uint64) (entries []Entry, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from > l.lastSeq {
		return nil, true // caught up
	}
	if l.firstSeq == 0 || from < l.firstSeq {
		return nil, false
	}

	idx := int(from - l.firstSeq)
	out := make([]Entry, len(l.entries)-idx)
	copy(out, l.entries[idx:])
	return out, true
}

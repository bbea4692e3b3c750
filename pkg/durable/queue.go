// Package durable implements a crash-safe named FIFO of pending work over
// a Pebble database.
//
// Every Put persists a record before returning; Complete deletes it. On
// reopen, every record that was never completed is redelivered in its
// original order, so the queue is the source of truth for unfinished work
// across process restarts. Retried tasks are redelivered after the tasks
// currently available.
package durable

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

var (
	// ErrClosed is returned for operations on a closed queue.
	ErrClosed = errors.New("durable: queue closed")

	// ErrTimeout is returned by Take when the timeout elapses with no task.
	ErrTimeout = errors.New("durable: take timed out")

	// ErrCorrupt is returned by Task.Payload when the stored record fails
	// its checksum.
	ErrCorrupt = errors.New("durable: corrupt record")
)

// Options configures a Queue.
type Options struct {
	// Dir is the pebble data directory. Created if missing.
	Dir string

	// Fsync forces a WAL sync on every Put. Turning it off trades
	// crash-durability of the most recent puts for throughput.
	Fsync bool
}

// Stats is a point-in-time snapshot of a topic's counters.
type Stats struct {
	InProgress     int64 `json:"in-progress"`
	Completed      int64 `json:"completed"`
	Retried        int64 `json:"retried"`
	Enqueued       int64 `json:"enqueued"`
	NumSlabs       int64 `json:"num-slabs"`
	NumActiveSlabs int64 `json:"num-active-slabs"`
}

// Task is one delivered queue entry. The payload is decoded lazily so a
// torn record surfaces as ErrCorrupt on the consumer's deref, matching the
// skip-and-continue handling the journal wants.
type Task struct {
	topic   string
	seq     uint64
	payload []byte
	ok      bool
}

// Payload returns the task's bytes, or ErrCorrupt if the stored record
// failed its checksum.
func (t *Task) Payload() ([]byte, error) {
	if !t.ok {
		return nil, ErrCorrupt
	}
	return t.payload, nil
}

// Seq returns the task's queue sequence number. Sequence order is
// delivery order for never-retried tasks.
func (t *Task) Seq() uint64 { return t.seq }

type topicState struct {
	lastSeq  uint64
	avail    []uint64
	inflight map[uint64]struct{}

	enqueued  int64
	completed int64
	retried   int64
}

// Queue is a pebble-backed collection of named durable FIFOs.
type Queue struct {
	db   *pebble.DB
	sync bool

	mu     sync.Mutex
	topics map[string]*topicState
	signal chan struct{}
	closed bool
}

// msgKey is q/{topic}/m/{seq BE}. Big-endian sequence numbers keep pebble's
// lexicographic iteration order equal to insertion order.
func msgKey(topic string, seq uint64) []byte {
	prefix := "q/" + topic + "/m/"
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func topicFromKey(key []byte) (topic string, seq uint64, ok bool) {
	if len(key) < 2+1+3+8 || string(key[:2]) != "q/" {
		return "", 0, false
	}
	body := key[2:]
	sep := len(body) - 8 - 3
	if sep < 1 || string(body[sep:sep+3]) != "/m/" {
		return "", 0, false
	}
	return string(body[:sep]), binary.BigEndian.Uint64(body[len(body)-8:]), true
}

// Open opens (or creates) the queue directory and restores pending tasks.
func Open(opts Options) (*Queue, error) {
	if opts.Dir == "" {
		return nil, errors.New("durable: Options.Dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	db, err := pebble.Open(opts.Dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	q := &Queue{
		db:     db,
		sync:   opts.Fsync,
		topics: make(map[string]*topicState),
		signal: make(chan struct{}),
	}
	if err := q.restore(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// restore scans all persisted records back into per-topic availability.
func (q *Queue) restore() error {
	lo := []byte("q/")
	hi := []byte("q/\xff")
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		topic, seq, valid := topicFromKey(iter.Key())
		if !valid {
			continue
		}
		ts := q.topic(topic)
		ts.avail = append(ts.avail, seq)
		if seq > ts.lastSeq {
			ts.lastSeq = seq
		}
		ts.enqueued++
	}
	return nil
}

// topic returns the state for a topic, creating it if needed.
// Caller holds q.mu (or is inside restore, before the queue is shared).
func (q *Queue) topic(name string) *topicState {
	ts, ok := q.topics[name]
	if !ok {
		ts = &topicState{inflight: make(map[uint64]struct{})}
		q.topics[name] = ts
	}
	return ts
}

func (q *Queue) writeOpts() *pebble.WriteOptions {
	if q.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (q *Queue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Put persists payload on topic and makes it available to Take. The write
// is synced to the WAL before return when Fsync is on.
func (q *Queue) Put(topic string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	ts := q.topic(topic)
	ts.lastSeq++
	seq := ts.lastSeq
	if err := q.db.Set(msgKey(topic, seq), encodeRecord(payload), q.writeOpts()); err != nil {
		ts.lastSeq--
		return fmt.Errorf("put %s/%d: %w", topic, seq, err)
	}
	ts.avail = append(ts.avail, seq)
	ts.enqueued++
	q.wake()
	return nil
}

// Take blocks until a task is available, the context is cancelled, or the
// timeout (if positive) elapses. The returned task stays in-progress until
// Complete or Retry.
func (q *Queue) Take(ctx context.Context, topic string, timeout time.Duration) (*Task, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		ts := q.topic(topic)
		if len(ts.avail) > 0 {
			seq := ts.avail[0]
			ts.avail = ts.avail[1:]
			ts.inflight[seq] = struct{}{}
			task := q.loadLocked(topic, seq)
			q.mu.Unlock()
			return task, nil
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrTimeout
		}
	}
}

// loadLocked reads and decodes a record. A missing or torn record yields a
// task whose Payload fails with ErrCorrupt; delivery still happens so the
// consumer can acknowledge and move past it.
func (q *Queue) loadLocked(topic string, seq uint64) *Task {
	val, closer, err := q.db.Get(msgKey(topic, seq))
	if err != nil {
		return &Task{topic: topic, seq: seq}
	}
	payload, ok := decodeRecord(val)
	closer.Close()
	return &Task{topic: topic, seq: seq, payload: payload, ok: ok}
}

// Complete acknowledges a task and deletes its record.
func (q *Queue) Complete(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	ts := q.topic(task.topic)
	if _, ok := ts.inflight[task.seq]; !ok {
		return fmt.Errorf("complete %s/%d: not in progress", task.topic, task.seq)
	}
	if err := q.db.Delete(msgKey(task.topic, task.seq), q.writeOpts()); err != nil {
		return fmt.Errorf("complete %s/%d: %w", task.topic, task.seq, err)
	}
	delete(ts.inflight, task.seq)
	ts.completed++
	return nil
}

// Retry returns a task to the back of the topic for redelivery.
func (q *Queue) Retry(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := q.topic(task.topic)
	if _, ok := ts.inflight[task.seq]; !ok {
		return fmt.Errorf("retry %s/%d: not in progress", task.topic, task.seq)
	}
	delete(ts.inflight, task.seq)
	ts.avail = append(ts.avail, task.seq)
	ts.retried++
	q.wake()
	return nil
}

// Snapshot returns the currently available (not in-progress) tasks of a
// topic in delivery order without consuming them. Used during recovery to
// peek at pending work.
func (q *Queue) Snapshot(topic string) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	ts := q.topic(topic)
	tasks := make([]*Task, 0, len(ts.avail))
	for _, seq := range ts.avail {
		tasks = append(tasks, q.loadLocked(topic, seq))
	}
	return tasks
}

// Stats returns the topic's counters plus slab figures derived from the
// underlying store's file metrics.
func (q *Queue) Stats(topic string) Stats {
	q.mu.Lock()
	ts := q.topic(topic)
	st := Stats{
		InProgress: int64(len(ts.inflight)),
		Completed:  ts.completed,
		Retried:    ts.retried,
		Enqueued:   ts.enqueued,
	}
	if !q.closed {
		m := q.db.Metrics()
		st.NumSlabs = m.Total().NumFiles + m.WAL.Files
		st.NumActiveSlabs = m.MemTable.Count
	}
	q.mu.Unlock()
	return st
}

// Close stops delivery and closes the store. Pending records stay on disk
// and reappear on the next Open.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.wake()
	q.mu.Unlock()
	return q.db.Close()
}

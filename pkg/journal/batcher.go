package journal

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// batcher coalesces submitted entries into bounded batches by count
// and/or age and hands each batch to onFlush.
//
// onFlush invocations are mutually exclusive across the size path, the
// latency path, and Close. The latency goroutine shuts down
// deterministically through Close rather than relying on the batcher
// becoming unreachable.
type batcher struct {
	maxSize    int
	maxLatency time.Duration
	onFlush    func([]Entry)

	mu      sync.Mutex // guards buf
	flushMu sync.Mutex // serializes onFlush
	buf     []Entry

	lastFlush atomic.Int64 // unix nanos of the last flush attempt

	stop      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

func newBatcher(maxSize int, maxLatency time.Duration, onFlush func([]Entry)) (*batcher, error) {
	if maxSize <= 0 && maxLatency <= 0 {
		return nil, errors.New("batcher needs a max size or a max latency")
	}
	b := &batcher{
		maxSize:    maxSize,
		maxLatency: maxLatency,
		onFlush:    onFlush,
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	b.lastFlush.Store(time.Now().UnixNano())
	if maxLatency > 0 {
		go b.latencyLoop()
	} else {
		close(b.loopDone)
	}
	return b, nil
}

// submit appends an entry, draining the buffer first when it is full.
func (b *batcher) submit(e Entry) {
	for {
		b.mu.Lock()
		if b.maxSize > 0 && len(b.buf) >= b.maxSize {
			b.mu.Unlock()
			b.flush()
			continue
		}
		b.buf = append(b.buf, e)
		full := b.maxSize > 0 && len(b.buf) >= b.maxSize
		b.mu.Unlock()
		if full {
			b.flush()
		}
		return
	}
}

// flush drains the buffer and invokes onFlush with the batch. The time
// path may observe an empty buffer; that is a no-op beyond stamping the
// flush attempt.
func (b *batcher) flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()

	b.lastFlush.Store(time.Now().UnixNano())
	if len(batch) == 0 {
		return
	}
	b.onFlush(batch)
}

// latencyLoop sleeps until lastFlush + maxLatency and flushes unless
// another flush intervened while it slept.
func (b *batcher) latencyLoop() {
	defer close(b.loopDone)
	for {
		last := b.lastFlush.Load()
		wait := time.Until(time.Unix(0, last).Add(b.maxLatency))
		if wait > 0 {
			select {
			case <-b.stop:
				return
			case <-time.After(wait):
			}
			continue
		}
		if b.lastFlush.Load() == last {
			b.flush()
		}
	}
}

// close stops the latency loop and performs one final flush.
func (b *batcher) close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.loopDone
		b.flush()
	})
}

package journal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type batchSink struct {
	mu      sync.Mutex
	batches [][]Entry
	active  atomic.Int32
	overlap atomic.Bool
}

func (s *batchSink) flush(batch []Entry) {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)

	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
}

func (s *batchSink) entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Entry
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func TestBatcherRequiresABound(t *testing.T) {
	if _, err := newBatcher(0, 0, func([]Entry) {}); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestBatcherFlushesAtMaxSize(t *testing.T) {
	sink := &batchSink{}
	b, err := newBatcher(3, 0, sink.flush)
	if err != nil {
		t.Fatalf("new batcher: %v", err)
	}
	defer b.close()

	for i := 0; i < 7; i++ {
		b.submit(i)
	}

	sink.mu.Lock()
	got := len(sink.batches)
	sink.mu.Unlock()
	if got != 2 {
		t.Errorf("flushed %d batches, want 2 (size-triggered)", got)
	}

	b.close()
	all := sink.entries()
	if len(all) != 7 {
		t.Fatalf("got %d entries after close, want 7", len(all))
	}
	for i, e := range all {
		if e.(int) != i {
			t.Errorf("entry %d = %v, want %d", i, e, i)
		}
	}
}

func TestBatcherFlushesOnLatency(t *testing.T) {
	sink := &batchSink{}
	b, err := newBatcher(0, 20*time.Millisecond, sink.flush)
	if err != nil {
		t.Fatalf("new batcher: %v", err)
	}
	defer b.close()

	b.submit("a")
	b.submit("b")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(sink.entries()) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("latency flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBatcherCloseFlushesRemainder(t *testing.T) {
	sink := &batchSink{}
	b, err := newBatcher(100, time.Hour, sink.flush)
	if err != nil {
		t.Fatalf("new batcher: %v", err)
	}

	b.submit("x")
	b.close()
	b.close() // idempotent

	all := sink.entries()
	if len(all) != 1 || all[0].(string) != "x" {
		t.Errorf("entries after close = %v, want [x]", all)
	}
}

func TestBatcherFlushesSerially(t *testing.T) {
	sink := &batchSink{}
	b, err := newBatcher(2, 5*time.Millisecond, sink.flush)
	if err != nil {
		t.Fatalf("new batcher: %v", err)
	}

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.submit(i)
			}
		}()
	}
	wg.Wait()
	b.close()

	if sink.overlap.Load() {
		t.Error("onFlush invocations overlapped")
	}
	if got := len(sink.entries()); got != 200 {
		t.Errorf("got %d entries, want 200", got)
	}
}

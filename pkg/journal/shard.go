package journal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/eunmann/s3-journal/pkg/s3store"
)

// shardSymbols are the directory prefixes of the 36 possible shards.
const shardSymbols = "0123456789abcdefghijklmnopqrstuvwxyz"

// Sharded fans submissions out across independent journals by
// round-robin. Each shard owns a distinct local queue directory and
// prefixes its time directories with the shard symbol, so shards never
// contend on files. There is no ordering across shards.
type Sharded struct {
	journals []*Journal
	next     atomic.Uint64
}

func newSharded(ctx context.Context, opts Options) (*Sharded, error) {
	if opts.Shards < 1 {
		return nil, fmt.Errorf("journal: Shards must be at least 1, got %d", opts.Shards)
	}
	if opts.Queue != nil {
		return nil, errors.New("journal: a shared Queue cannot back a sharded journal")
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = s3store.NewFromCredentials(ctx, opts.S3AccessKey, opts.S3SecretKey, opts.S3Region)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	s := &Sharded{journals: make([]*Journal, 0, opts.Shards)}
	for i := 0; i < opts.Shards; i++ {
		sym := string(shardSymbols[i])
		shardOpts := opts
		shardOpts.Shards = 0
		shardOpts.Store = store
		shardOpts.DirFormat = "'" + sym + "/'" + opts.DirFormat
		shardOpts.LocalDir = opts.LocalDir + "-" + sym

		jrnl, err := newJournal(ctx, shardOpts)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("journal: open shard %s: %w", sym, err)
		}
		s.journals = append(s.journals, jrnl)
	}
	return s, nil
}

// Submit implements Writer by round-robining across shards.
func (s *Sharded) Submit(entry Entry) error {
	n := s.next.Add(1) - 1
	return s.journals[n%uint64(len(s.journals))].Submit(entry)
}

// Stats implements Writer by summing shard counters and merging queue
// snapshots.
func (s *Sharded) Stats() Stats {
	var total Stats
	for _, j := range s.journals {
		st := j.Stats()
		total.Enqueued += st.Enqueued
		total.Uploaded += st.Uploaded
		total.Queue = mergeQueueStats(total.Queue, st.Queue)
	}
	return total
}

// Close implements Writer by closing every shard.
func (s *Sharded) Close() error {
	return s.closeAll()
}

func (s *Sharded) closeAll() error {
	var errs []error
	for _, j := range s.journals {
		if err := j.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package journal writes an ordered stream of opaque entries to an
// S3-compatible object store as multipart objects in time-partitioned
// directories.
//
// Entries are batched, encoded, compressed, and staged onto a durable
// local action queue before an asynchronous coordinator drives the S3
// multipart state machines. Producer throughput is decoupled from store
// latency; process death and store outages are tolerated with
// at-least-once delivery and idempotent parts.
package journal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/eunmann/s3-journal/internal/logctx"
	"github.com/eunmann/s3-journal/pkg/durable"
	"github.com/eunmann/s3-journal/pkg/logging"
	"github.com/eunmann/s3-journal/pkg/s3store"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("journal: closed")

// actionTopic is the durable queue topic carrying upload actions.
const actionTopic = "actions"

// Writer is the journal surface shared by single journals and sharded
// fan-outs.
type Writer interface {
	// Submit hands an entry to the journal. It blocks while the batcher
	// is saturated and fails only after Close.
	Submit(entry Entry) error

	// Stats snapshots progress counters and durable queue state.
	Stats() Stats

	// Close flushes buffered entries, drains planned uploads, and
	// releases owned resources. It blocks until the upload consumer
	// exits.
	Close() error
}

// New builds a Writer from options: a single journal, or a sharded
// fan-out when opts.Shards is set.
func New(ctx context.Context, opts Options) (Writer, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if opts.Shards > 0 {
		return newSharded(ctx, opts)
	}
	return newJournal(ctx, opts)
}

// Journal is a single-shard journal pipeline.
type Journal struct {
	opts   Options
	store  *s3store.Client
	queue  *durable.Queue
	ownsQ  bool
	format *DirFormat
	adv    advancer

	batcher *batcher
	coord   *coordinator
	done    chan struct{}

	mu  sync.Mutex // serializes position advance + action enqueue
	pos Position

	enqueued atomic.Uint64
	uploaded atomic.Uint64
	closed   atomic.Bool
}

func newJournal(ctx context.Context, opts Options) (*Journal, error) {
	format, err := CompileDirFormat(opts.DirFormat)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	ctx = logctx.WithLogger(ctx, logging.WithJournal(opts.ID))
	log := logctx.FromContext(ctx)

	store := opts.Store
	if store == nil {
		store, err = s3store.NewFromCredentials(ctx, opts.S3AccessKey, opts.S3SecretKey, opts.S3Region)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	queue := opts.Queue
	ownsQueue := false
	if queue == nil {
		queue, err = durable.Open(durable.Options{Dir: opts.LocalDir, Fsync: !opts.DisableFsync})
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		ownsQueue = true
	}

	j := &Journal{
		opts:   opts,
		store:  store,
		queue:  queue,
		ownsQ:  ownsQueue,
		format: format,
		adv: advancer{
			minPartSize:     opts.MinPartSize,
			maxPartsPerFile: opts.MaxPartsPerFile,
			format:          format,
		},
		done: make(chan struct{}),
	}

	pos, err := j.initialPosition(ctx)
	if err != nil {
		if ownsQueue {
			queue.Close()
		}
		return nil, err
	}
	j.pos = pos
	if err := j.put(Action{Kind: ActionStart, Pos: pos}); err != nil {
		if ownsQueue {
			queue.Close()
		}
		return nil, fmt.Errorf("journal: enqueue initial start: %w", err)
	}

	j.coord = newCoordinator(ctx, store, queue, actionTopic, &j.opts, format.Prefix(), &j.uploaded)
	go j.coord.run(j.done)

	b, err := newBatcher(opts.MaxBatchSize, opts.MaxBatchLatency, j.flushBatch)
	if err != nil {
		if ownsQueue {
			queue.Close()
		}
		return nil, fmt.Errorf("journal: %w", err)
	}
	j.batcher = b

	log.Info().
		Str("bucket", opts.S3Bucket).
		Str("dir", pos.Dir).
		Int("part_index", pos.PartIndex).
		Msg("journal opened")
	return j, nil
}

// initialPosition resumes the part counter where a previous process (or a
// neighbor writing the same directory) left off: the file count comes
// from listing both completed objects and in-flight multipart uploads,
// floored by what the durable queue still has pending.
func (j *Journal) initialPosition(ctx context.Context) (Position, error) {
	dir := j.format.Format(j.opts.nowFn())
	prefix := dir + "/" + j.opts.ID

	complete, err := j.store.ListComplete(ctx, j.opts.S3Bucket, prefix)
	if err != nil {
		return Position{}, fmt.Errorf("journal: list complete: %w", err)
	}
	pending, err := j.store.ListMultipart(ctx, j.opts.S3Bucket, prefix)
	if err != nil {
		return Position{}, fmt.Errorf("journal: list multipart: %w", err)
	}

	distinct := make(map[string]struct{}, len(complete)+len(pending))
	for _, key := range complete {
		distinct[key] = struct{}{}
	}
	for _, up := range pending {
		distinct[up.Key] = struct{}{}
	}
	fileCount := len(distinct)

	highest := 0
	for _, task := range j.queue.Snapshot(actionTopic) {
		payload, err := task.Payload()
		if err != nil {
			continue
		}
		act, err := decodeAction(payload)
		if err != nil {
			continue
		}
		if act.Pos.Dir == dir && act.Pos.PartIndex > highest {
			highest = act.Pos.PartIndex
		}
	}
	if pendingFiles := int(math.Ceil(float64(highest) / float64(j.opts.MaxPartsPerFile))); pendingFiles > fileCount {
		fileCount = pendingFiles
	}

	return Position{
		PartIndex: j.opts.MaxPartsPerFile * fileCount,
		Dir:       dir,
	}, nil
}

// Submit implements Writer.
func (j *Journal) Submit(entry Entry) error {
	if j.closed.Load() {
		return ErrClosed
	}
	j.enqueued.Add(1)
	j.batcher.submit(entry)
	return nil
}

// flushBatch is the batcher callback: encode the batch to a chunk,
// advance the position, and persist the resulting actions. Starts go
// first so a file's Start precedes its Conjs on the queue; Uploads and
// Ends follow the Conj they depend on.
func (j *Journal) flushBatch(batch []Entry) {
	log := logging.WithJournal(j.opts.ID)

	chunk, err := encodeBatch(batch, j.opts.Encoder, j.opts.Delimiter, j.opts.Compressor)
	if err != nil {
		log.Error().Int("entries", len(batch)).Err(err).Msg("batch encoding failed, dropping batch")
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	next, actions := j.adv.advance(j.pos, int64(len(chunk)), j.opts.nowFn())
	j.pos = next

	for _, a := range actions {
		if a.Kind == ActionStart {
			if err := j.put(a); err != nil {
				log.Error().Stringer("action", a.Kind).Err(err).Msg("enqueue failed")
			}
		}
	}
	conj := Action{Kind: ActionConj, Pos: next, Count: len(batch), Bytes: chunk}
	if err := j.put(conj); err != nil {
		log.Error().Int("entries", len(batch)).Err(err).Msg("enqueue failed, batch lost")
	}
	for _, a := range actions {
		if a.Kind != ActionStart {
			if err := j.put(a); err != nil {
				log.Error().Stringer("action", a.Kind).Err(err).Msg("enqueue failed")
			}
		}
	}
}

func (j *Journal) put(a Action) error {
	return j.queue.Put(actionTopic, encodeAction(a))
}

// Stats implements Writer.
func (j *Journal) Stats() Stats {
	return Stats{
		Enqueued: j.enqueued.Load(),
		Uploaded: j.uploaded.Load(),
		Queue:    j.queue.Stats(actionTopic),
	}
}

// Close implements Writer. Safe to call more than once.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		<-j.done
		return nil
	}

	j.batcher.close()
	// Arm the close latch before the flush lands so the consumer is
	// already on the bounded take when the queue drains.
	j.coord.beginShutdown()
	if err := j.put(Action{Kind: ActionFlush}); err != nil {
		log := logging.WithJournal(j.opts.ID)
		log.Error().Err(err).Msg("enqueue flush failed")
	}
	<-j.done

	if j.ownsQ {
		if err := j.queue.Close(); err != nil {
			return fmt.Errorf("journal: close queue: %w", err)
		}
	}
	return nil
}

package journal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/s3-journal/internal/logctx"
	"github.com/eunmann/s3-journal/pkg/durable"
	"github.com/eunmann/s3-journal/pkg/s3store"
)

const (
	defaultRetryBackoff = time.Second
	defaultDrainTimeout = 5 * time.Second
)

// fileRef identifies one multipart file: the first part index of the file
// and its time directory.
type fileRef struct {
	base int
	dir  string
}

type partState struct {
	tasks    []*durable.Task
	bufs     [][]byte
	count    int
	etag     string
	size     int64
	uploaded bool
	last     bool
}

type uploadRecord struct {
	desc  s3store.Descriptor
	parts map[int]*partState // keyed by directory-global part index
}

// coordinator is the single consumer of the durable action queue. It is
// the exclusive owner of the upload state; nothing else reads or writes
// it.
type coordinator struct {
	ctx   context.Context
	log   zerolog.Logger
	store *s3store.Client
	queue *durable.Queue
	topic string

	bucket     string
	id         string
	listPrefix string
	keyPattern *regexp.Regexp

	maxPartsPerFile int
	retryBackoff    time.Duration
	drainTimeout    time.Duration

	uploaded *atomic.Uint64
	closing  atomic.Bool

	uploads map[fileRef]*uploadRecord
}

func newCoordinator(ctx context.Context, store *s3store.Client, queue *durable.Queue, topic string, opts *Options, listPrefix string, uploaded *atomic.Uint64) *coordinator {
	return &coordinator{
		ctx:             ctx,
		log:             logctx.FromContext(ctx),
		store:           store,
		queue:           queue,
		topic:           topic,
		bucket:          opts.S3Bucket,
		id:              opts.ID,
		listPrefix:      listPrefix,
		keyPattern:      journalKeyPattern(opts.ID),
		maxPartsPerFile: opts.MaxPartsPerFile,
		retryBackoff:    opts.retryBackoff,
		drainTimeout:    opts.drainTimeout,
		uploaded:        uploaded,
		uploads:         make(map[fileRef]*uploadRecord),
	}
}

// journalKeyPattern matches this journal's file keys and captures the
// directory and file number.
func journalKeyPattern(id string) *regexp.Regexp {
	return regexp.MustCompile(`^(.*)/` + regexp.QuoteMeta(id) + `-(\d+)\.journal$`)
}

func (c *coordinator) ref(pos Position) fileRef {
	return fileRef{base: pos.fileBase(c.maxPartsPerFile), dir: pos.Dir}
}

// partNumber maps a directory-global part index to its 1-based number on
// the wire, local to the multipart upload.
func (c *coordinator) partNumber(partIndex int) int32 {
	return int32(partIndex%c.maxPartsPerFile) + 1
}

// beginShutdown arms the close latch: the loop switches to a bounded Take
// and exits once the queue stays empty for the timeout.
func (c *coordinator) beginShutdown() {
	c.closing.Store(true)
}

// run drives the consume loop until the queue drains after shutdown. All
// dispatch errors are recovered locally; an escaped panic is logged and
// ends the loop, leaving redelivery to the next process.
func (c *coordinator) run(done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn().Interface("panic", r).Msg("upload coordinator died")
		}
	}()

	c.recoverUploads()

	for {
		var timeout time.Duration
		if c.closing.Load() {
			timeout = c.drainTimeout
		}
		task, err := c.queue.Take(c.ctx, c.topic, timeout)
		switch {
		case err == nil:
		case errors.Is(err, durable.ErrTimeout):
			return
		case errors.Is(err, durable.ErrClosed), errors.Is(err, context.Canceled):
			return
		default:
			c.log.Warn().Err(err).Msg("take failed")
			return
		}
		c.dispatch(task)
	}
}

// recoverUploads reconciles multipart uploads a previous process left
// in flight. Each recovered file gets an End enqueued to drive it to
// completion. Listing failures retry until the store answers; without the
// prior state the coordinator would duplicate files.
func (c *coordinator) recoverUploads() {
	for {
		err := c.loadUploadState()
		if err == nil {
			return
		}
		c.log.Info().Err(err).Msg("recovery listing failed, retrying")
		if !c.sleep(c.retryBackoff) {
			return
		}
	}
}

func (c *coordinator) loadUploadState() error {
	pending, err := c.store.ListMultipart(c.ctx, c.bucket, c.listPrefix)
	if err != nil {
		return err
	}
	for _, up := range pending {
		m := c.keyPattern.FindStringSubmatch(up.Key)
		if m == nil {
			continue
		}
		fileNumber, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		dir := m[1]
		base := fileNumber * c.maxPartsPerFile
		desc := s3store.Descriptor{Bucket: c.bucket, Key: up.Key, UploadID: up.UploadID}

		parts, err := c.store.ListParts(c.ctx, desc)
		if errors.Is(err, s3store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		rec := &uploadRecord{desc: desc, parts: make(map[int]*partState)}
		for _, p := range parts {
			rec.parts[base+int(p.PartNumber)-1] = &partState{
				etag:     p.ETag,
				size:     p.Size,
				uploaded: true,
			}
		}
		ref := fileRef{base: base, dir: dir}
		c.uploads[ref] = rec
		c.log.Info().
			Str("key", up.Key).
			Str("dir", dir).
			Int("parts", len(rec.parts)).
			Msg("recovered in-flight upload")

		end := Action{Kind: ActionEnd, Pos: Position{PartIndex: base, Dir: dir}}
		if err := c.queue.Put(c.topic, encodeAction(end)); err != nil {
			return fmt.Errorf("enqueue recovery end: %w", err)
		}
	}
	return nil
}

// dispatch handles one delivered task. Corrupt tasks are dropped with a
// warning; every other failure retries the task so the queue redelivers.
func (c *coordinator) dispatch(task *durable.Task) {
	payload, err := task.Payload()
	if err != nil {
		c.log.Warn().Uint64("seq", task.Seq()).Err(err).Msg("dropping corrupt task")
		c.complete(task)
		return
	}
	act, err := decodeAction(payload)
	if err != nil {
		c.log.Warn().Uint64("seq", task.Seq()).Err(err).Msg("dropping undecodable action")
		c.complete(task)
		return
	}

	// Anything addressed to a file with no live descriptor lost its
	// upload; there is nothing left to apply it to.
	if act.Kind != ActionStart && act.Kind != ActionFlush {
		if _, ok := c.uploads[c.ref(act.Pos)]; !ok {
			c.complete(task)
			return
		}
	}

	switch act.Kind {
	case ActionStart:
		c.handleStart(task, act)
	case ActionConj:
		c.handleConj(task, act)
	case ActionUpload:
		c.handleUpload(task, act)
	case ActionEnd:
		c.handleEnd(task, act)
	case ActionFlush:
		c.handleFlush(task)
	default:
		c.complete(task)
	}
}

// handleStart initializes the file's multipart upload. Idempotent: a
// redelivered Start against a live descriptor just acknowledges. Init
// failures retry without bound; abandoning the init would break ordering
// for every action behind it.
func (c *coordinator) handleStart(task *durable.Task, act Action) {
	ref := c.ref(act.Pos)
	if _, ok := c.uploads[ref]; ok {
		c.complete(task)
		return
	}

	key := fileKey(ref.dir, c.id, act.Pos.fileNumber(c.maxPartsPerFile))
	for {
		desc, err := c.store.Init(c.ctx, c.bucket, key)
		if err == nil {
			c.uploads[ref] = &uploadRecord{desc: desc, parts: make(map[int]*partState)}
			c.log.Debug().Str("key", key).Str("upload_id", desc.UploadID).Msg("multipart upload started")
			break
		}
		c.log.Info().Str("key", key).Err(err).Msg("init multipart failed, retrying")
		if !c.sleep(c.retryBackoff) {
			c.retry(task)
			return
		}
	}
	c.complete(task)
}

// handleConj accumulates chunk bytes into the target part. The task is
// acknowledged only when the part uploads, so the bytes survive a crash
// in between. A part that already uploaded (recovered from a prior
// process) acknowledges immediately; its bytes are already remote.
func (c *coordinator) handleConj(task *durable.Task, act Action) {
	rec := c.uploads[c.ref(act.Pos)]
	ps := rec.parts[act.Pos.PartIndex]
	if ps == nil {
		ps = &partState{}
		rec.parts[act.Pos.PartIndex] = ps
	}
	if ps.uploaded {
		c.complete(task)
		return
	}
	ps.tasks = append(ps.tasks, task)
	ps.bufs = append(ps.bufs, act.Bytes)
	ps.count += act.Count
}

// handleUpload sends the accumulated part as a non-final part.
func (c *coordinator) handleUpload(task *durable.Task, act Action) {
	ref := c.ref(act.Pos)
	rec := c.uploads[ref]
	ps := rec.parts[act.Pos.PartIndex]
	if ps == nil || ps.uploaded {
		c.complete(task)
		return
	}

	if done := c.uploadPart(ref, rec, act.Pos.PartIndex, ps, false); !done {
		c.retry(task)
		c.sleep(c.retryBackoff)
		return
	}
	c.complete(task)
}

// uploadPart performs the store call for one part and settles its
// contributing tasks. Returns false when the caller should retry. A 404
// means the whole upload is gone; the record is dropped and its tasks
// acknowledged.
func (c *coordinator) uploadPart(ref fileRef, rec *uploadRecord, partIndex int, ps *partState, last bool) bool {
	data := make([]byte, 0, partBytes(ps))
	for _, b := range ps.bufs {
		data = append(data, b...)
	}

	part, err := c.store.UploadPart(c.ctx, rec.desc, c.partNumber(partIndex), data, last)
	if errors.Is(err, s3store.ErrNotFound) {
		c.log.Info().Str("key", rec.desc.Key).Int("part_index", partIndex).Msg("upload vanished, dropping file state")
		c.dropRecord(ref, rec)
		return true
	}
	if err != nil {
		c.log.Info().Str("key", rec.desc.Key).Int("part_index", partIndex).Err(err).Msg("part upload failed")
		return false
	}

	ps.uploaded = true
	ps.last = last
	ps.etag = part.ETag
	ps.size = part.Size
	for _, t := range ps.tasks {
		c.complete(t)
	}
	ps.tasks = nil
	ps.bufs = nil
	c.uploaded.Add(uint64(ps.count))
	c.log.Debug().
		Str("key", rec.desc.Key).
		Int32("part", part.PartNumber).
		Int64("size", part.Size).
		Bool("last", last).
		Msg("part uploaded")
	return true
}

func partBytes(ps *partState) int {
	n := 0
	for _, b := range ps.bufs {
		n += len(b)
	}
	return n
}

// handleEnd finalizes the file. When exactly one part remains un-uploaded
// and it is the file's final part, it goes up with last=true (it may be
// under the part floor). Once every part is uploaded the multipart
// completes with part numbers sorted ascending; otherwise the End retries
// until the pending Upload actions clear.
func (c *coordinator) handleEnd(task *durable.Task, act Action) {
	ref := c.ref(act.Pos)
	rec := c.uploads[ref]

	var pending []int
	for idx, ps := range rec.parts {
		if !ps.uploaded {
			pending = append(pending, idx)
		}
	}

	if len(pending) == 1 {
		idx := pending[0]
		if idx%c.maxPartsPerFile == (len(rec.parts)-1)%c.maxPartsPerFile {
			if done := c.uploadPart(ref, rec, idx, rec.parts[idx], true); !done {
				c.retry(task)
				c.sleep(c.retryBackoff)
				return
			}
			if _, live := c.uploads[ref]; !live {
				// uploadPart dropped the record on a vanished upload
				c.complete(task)
				return
			}
			pending = nil
		}
	}

	if len(pending) > 0 {
		c.retry(task)
		c.sleep(c.retryBackoff)
		return
	}

	parts := make([]s3store.Part, 0, len(rec.parts))
	for idx, ps := range rec.parts {
		parts = append(parts, s3store.Part{
			PartNumber: c.partNumber(idx),
			ETag:       ps.etag,
			Size:       ps.size,
			Last:       ps.last,
		})
	}
	if err := c.store.Complete(c.ctx, rec.desc, parts); err != nil {
		c.log.Info().Str("key", rec.desc.Key).Err(err).Msg("complete multipart failed")
		c.retry(task)
		c.sleep(c.retryBackoff)
		return
	}
	c.log.Info().Str("key", rec.desc.Key).Int("parts", len(parts)).Msg("multipart upload completed")
	c.dropRecord(ref, rec)
	c.complete(task)
}

// handleFlush fans an End out to every live upload.
func (c *coordinator) handleFlush(task *durable.Task) {
	for ref := range c.uploads {
		end := Action{Kind: ActionEnd, Pos: Position{PartIndex: ref.base, Dir: ref.dir}}
		if err := c.queue.Put(c.topic, encodeAction(end)); err != nil {
			c.log.Info().Err(err).Msg("enqueue end failed")
			c.retry(task)
			c.sleep(c.retryBackoff)
			return
		}
	}
	c.complete(task)
}

// dropRecord removes a file's state, acknowledging any tasks still parked
// on its parts so the queue drains.
func (c *coordinator) dropRecord(ref fileRef, rec *uploadRecord) {
	for _, ps := range rec.parts {
		for _, t := range ps.tasks {
			c.complete(t)
		}
		ps.tasks = nil
		ps.bufs = nil
	}
	delete(c.uploads, ref)
}

func (c *coordinator) complete(task *durable.Task) {
	if err := c.queue.Complete(task); err != nil {
		c.log.Warn().Uint64("seq", task.Seq()).Err(err).Msg("complete failed")
	}
}

func (c *coordinator) retry(task *durable.Task) {
	if err := c.queue.Retry(task); err != nil {
		c.log.Warn().Uint64("seq", task.Seq()).Err(err).Msg("retry failed")
	}
}

// sleep waits for d unless the context ends first. Returns false when the
// coordinator should stop waiting for good.
func (c *coordinator) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

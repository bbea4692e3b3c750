package journal

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eunmann/s3-journal/pkg/durable"
	"github.com/eunmann/s3-journal/pkg/s3store"
)

// DefaultDirFormat partitions output by day.
const DefaultDirFormat = "yyyy/MM/dd"

// DefaultMaxBatchLatency bounds how long an entry can sit in the batcher.
const DefaultMaxBatchLatency = time.Minute

// Options configures a journal. Zero values take the documented defaults;
// LocalDir and S3Bucket are required, and at least one of MaxBatchSize or
// MaxBatchLatency must bound the batcher.
type Options struct {
	// S3AccessKey and S3SecretKey are static store credentials. When
	// empty, the default AWS config chain is used.
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// S3Bucket is the target bucket. Required.
	S3Bucket string

	// DirFormat is the time-directory pattern; it may start with a
	// single-quoted literal segment used as both directory prefix and
	// recovery listing prefix. Default "yyyy/MM/dd".
	DirFormat string

	// LocalDir holds the durable queue state. Required; created if
	// missing.
	LocalDir string

	// ID identifies this journal in object keys. Must be stable across
	// restarts. Default: hostname with "/" replaced by "_".
	ID string

	// Encoder renders an entry to bytes. Default DefaultEncoder.
	Encoder Encoder

	// Compressor compresses each chunk. Nil means identity.
	Compressor Compressor

	// Delimiter follows every encoded entry. Default "\n".
	Delimiter []byte

	// MaxBatchSize flushes the batcher when this many entries buffer.
	MaxBatchSize int

	// MaxBatchLatency flushes the batcher when this much time has passed
	// since the last flush. Default one minute when MaxBatchSize is also
	// unset.
	MaxBatchLatency time.Duration

	// DisableFsync turns off the per-put WAL sync of the durable queue.
	DisableFsync bool

	// Shards fans Submit out across this many independent journals,
	// 1 to 36. Zero disables sharding.
	Shards int

	// MinPartSize and MaxPartsPerFile override the store constants.
	// Intended for tests; production uses the S3 values.
	MinPartSize     int64
	MaxPartsPerFile int

	// Store overrides the object-store adapter. Tests inject fakes here.
	Store *s3store.Client

	// Queue overrides the durable action queue.
	Queue *durable.Queue

	// nowFn overrides the wall clock. In-package tests drive directory
	// rollover with it.
	nowFn func() time.Time

	// retryBackoff and drainTimeout shrink the coordinator's pauses in
	// tests.
	retryBackoff time.Duration
	drainTimeout time.Duration
}

func (o *Options) normalize() error {
	if o.S3Bucket == "" {
		return errors.New("journal: S3Bucket is required")
	}
	if o.LocalDir == "" && o.Queue == nil {
		return errors.New("journal: LocalDir is required")
	}
	if o.MaxBatchSize <= 0 && o.MaxBatchLatency <= 0 {
		o.MaxBatchLatency = DefaultMaxBatchLatency
	}
	if o.DirFormat == "" {
		o.DirFormat = DefaultDirFormat
	}
	if o.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("journal: derive id from hostname: %w", err)
		}
		o.ID = strings.ReplaceAll(host, "/", "_")
	}
	if o.Encoder == nil {
		o.Encoder = DefaultEncoder
	}
	if o.Delimiter == nil {
		o.Delimiter = []byte("\n")
	}
	if o.MinPartSize <= 0 {
		o.MinPartSize = s3store.MinPartSize
	}
	if o.MaxPartsPerFile <= 0 {
		o.MaxPartsPerFile = s3store.MaxPartsPerFile
	}
	if o.Shards < 0 || o.Shards > len(shardSymbols) {
		return fmt.Errorf("journal: Shards must be in [1,%d], got %d", len(shardSymbols), o.Shards)
	}
	if o.nowFn == nil {
		o.nowFn = time.Now
	}
	if o.retryBackoff <= 0 {
		o.retryBackoff = defaultRetryBackoff
	}
	if o.drainTimeout <= 0 {
		o.drainTimeout = defaultDrainTimeout
	}
	return nil
}

// Package cli implements the command-line interface for s3journal.
package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"

	"github.com/eunmann/s3-journal/pkg/journal"
	"github.com/eunmann/s3-journal/pkg/logging"
)

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: s3journal <command> [options]\ncommands: run")
	}

	switch args[0] {
	case "run":
		return runJournal(args[1:])
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func runJournal(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	bucket := fs.String("bucket", "", "target S3 bucket")
	accessKey := fs.String("access-key", "", "S3 access key (default AWS config chain when empty)")
	secretKey := fs.String("secret-key", "", "S3 secret key")
	region := fs.String("region", "", "S3 region")
	dirFormat := fs.String("dir-format", journal.DefaultDirFormat, "time directory pattern, optionally with a 'quoted/' literal prefix")
	localDir := fs.String("local-dir", "", "directory for durable queue state")
	id := fs.String("id", "", "journal identifier embedded in object keys (default: hostname)")
	compress := fs.String("compress", "none", "chunk compressor: none|gzip|snappy|lzma2")
	maxBatchSize := fs.Int("max-batch-size", 0, "flush after this many buffered entries")
	maxBatchLatency := fs.Duration("max-batch-latency", time.Minute, "flush after this much time since the last flush")
	minPartSize := fs.String("min-part-size", "", "non-terminal part floor, e.g. 5MiB (for S3-compatible stores with other limits)")
	noFsync := fs.Bool("no-fsync", false, "skip the WAL sync on each staged batch")
	shards := fs.Int("shards", 0, "fan out across N independent journals (1-36)")
	debug := fs.Bool("debug", false, "enable debug logging")
	human := fs.Bool("human-logs", false, "human-friendly console logs")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bucket == "" {
		return errors.New("-bucket is required")
	}
	if *localDir == "" {
		return errors.New("-local-dir is required")
	}

	logging.Init(*debug, *human)

	compressor, err := journal.CompressorByName(*compress)
	if err != nil {
		return err
	}

	opts := journal.Options{
		S3AccessKey:     *accessKey,
		S3SecretKey:     *secretKey,
		S3Region:        *region,
		S3Bucket:        *bucket,
		DirFormat:       *dirFormat,
		LocalDir:        *localDir,
		ID:              *id,
		Compressor:      compressor,
		MaxBatchSize:    *maxBatchSize,
		MaxBatchLatency: *maxBatchLatency,
		DisableFsync:    *noFsync,
		Shards:          *shards,
	}
	if *minPartSize != "" {
		floor, err := units.RAMInBytes(*minPartSize)
		if err != nil {
			return fmt.Errorf("parse -min-part-size: %w", err)
		}
		opts.MinPartSize = floor
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := journal.New(ctx, opts)
	if err != nil {
		return err
	}

	submitErr := submitLines(ctx, w, os.Stdin)
	if err := w.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	stats := w.Stats()
	logging.L().Info().
		Uint64("enqueued", stats.Enqueued).
		Uint64("uploaded", stats.Uploaded).
		Int64("queue_completed", stats.Queue.Completed).
		Int64("queue_retried", stats.Queue.Retried).
		Msg("journal closed")
	return submitErr
}

// submitLines journals stdin line by line until EOF or cancellation.
func submitLines(ctx context.Context, w journal.Writer, in *os.File) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line := append([]byte(nil), scanner.Bytes()...)
		if err := w.Submit(line); err != nil {
			return fmt.Errorf("submit: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

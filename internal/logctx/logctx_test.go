package logctx

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFromContextWithoutLogger(t *testing.T) {
	// Must not panic and must return a usable logger.
	log := FromContext(context.Background())
	log.Info().Msg("ok")

	log = FromContext(nil) //nolint:staticcheck
	log.Info().Msg("ok")
}

func TestWithLoggerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithLogger(context.Background(), base)
	log := FromContext(ctx)
	log.Info().Msg("hello")

	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("log output %q missing message", buf.String())
	}
}

func TestWithStrAddsField(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))
	ctx = WithStr(ctx, "journal_id", "node-1")

	log := FromContext(ctx)
	log.Info().Msg("tagged")
	out := buf.String()
	if !strings.Contains(out, `"journal_id":"node-1"`) {
		t.Errorf("log output %q missing field", out)
	}
}

func TestWithIntAddsField(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))
	ctx = WithInt(ctx, "shard", 3)

	log := FromContext(ctx)
	log.Info().Msg("tagged")
	if !strings.Contains(buf.String(), `"shard":3`) {
		t.Errorf("log output %q missing field", buf.String())
	}
}

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithJournalAddsField(t *testing.T) {
	var buf bytes.Buffer
	old := *L()
	SetLogger(zerolog.New(&buf))
	defer SetLogger(old)

	log := WithJournal("node-1")
	log.Info().Msg("opened")

	if !strings.Contains(buf.String(), `"journal_id":"node-1"`) {
		t.Errorf("output %q missing journal_id", buf.String())
	}
}

func TestInitLevels(t *testing.T) {
	Init(true, false)
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("level = %v, want debug", zerolog.GlobalLevel())
	}
	Init(false, false)
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("level = %v, want info", zerolog.GlobalLevel())
	}
}

package journal

import (
	"testing"
	"time"
)

func TestCompileDirFormat(t *testing.T) {
	ts := time.Date(2026, 3, 7, 9, 5, 2, 0, time.UTC)

	tests := []struct {
		pattern    string
		want       string
		wantPrefix string
		wantErr    bool
	}{
		{pattern: "yyyy/MM/dd", want: "2026/03/07"},
		{pattern: "yyyy/MM/dd/HH", want: "2026/03/07/09"},
		{pattern: "yy-MM-dd", want: "26-03-07"},
		{pattern: "'archive/'yyyy/MM/dd", want: "archive/2026/03/07", wantPrefix: "archive/"},
		{pattern: "'jan/'yyyy", want: "jan/2026", wantPrefix: "jan/"},
		{pattern: "", wantErr: true},
		{pattern: "yyyy/QQ", wantErr: true},
		{pattern: "'open", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			f, err := CompileDirFormat(tt.pattern)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := f.Format(ts); got != tt.want {
				t.Errorf("Format = %q, want %q", got, tt.want)
			}
			if got := f.Prefix(); got != tt.wantPrefix {
				t.Errorf("Prefix = %q, want %q", got, tt.wantPrefix)
			}
		})
	}
}

func TestDirFormatShardPrefix(t *testing.T) {
	// The sharder builds per-shard patterns by quoting the symbol.
	f, err := CompileDirFormat("'a/'" + "yyyy/MM/dd")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got := f.Format(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	if got != "a/2026/01/02" {
		t.Errorf("Format = %q, want %q", got, "a/2026/01/02")
	}
}

package journal

import (
	"bytes"
	"testing"
)

func TestActionRoundTrip(t *testing.T) {
	in := Action{
		Kind:  ActionConj,
		Pos:   Position{RunningBytes: 123456, PartIndex: 502, Dir: "2026/03/14"},
		Count: 42,
		Bytes: []byte("chunk-bytes"),
	}
	out, err := decodeAction(encodeAction(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != in.Kind || out.Pos != in.Pos || out.Count != in.Count || !bytes.Equal(out.Bytes, in.Bytes) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestActionDecodeRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"bad version", []byte{99, byte(ActionStart), 0, 0}},
		{"skip kind", []byte{actionVersion, byte(ActionSkip)}},
		{"unknown kind", []byte{actionVersion, 200}},
		{"truncated header", []byte{actionVersion, byte(ActionEnd), 1, 2, 3}},
		{"truncated payload", encodeAction(Action{Kind: ActionConj, Bytes: []byte("abcdef")})[:20]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeAction(tt.buf); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestActionKindString(t *testing.T) {
	if got := ActionConj.String(); got != "conj" {
		t.Errorf("String = %q, want %q", got, "conj")
	}
	if got := ActionKind(42).String(); got != "kind(42)" {
		t.Errorf("String = %q, want %q", got, "kind(42)")
	}
}

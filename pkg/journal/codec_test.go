package journal

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/ulikunitz/xz"
)

func TestEncodeBatchLayout(t *testing.T) {
	// Every entry is followed by the delimiter, including the last one.
	chunk, err := encodeBatch([]Entry{"a", []byte("bb"), "c"}, DefaultEncoder, []byte("\n"), nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want := "a\nbb\nc\n"; string(chunk) != want {
		t.Errorf("chunk = %q, want %q", chunk, want)
	}
}

func TestEncodeBatchMultiByteDelimiter(t *testing.T) {
	chunk, err := encodeBatch([]Entry{"a", "b"}, DefaultEncoder, []byte("::"), nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want := "a::b::"; string(chunk) != want {
		t.Errorf("chunk = %q, want %q", chunk, want)
	}
}

func TestDefaultEncoder(t *testing.T) {
	if got := DefaultEncoder([]byte{1, 2}); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("bytes: got %v", got)
	}
	if got := DefaultEncoder("s"); string(got) != "s" {
		t.Errorf("string: got %q", got)
	}
	if got := DefaultEncoder(12345); string(got) != "12345" {
		t.Errorf("int: got %q", got)
	}
}

func TestGzipCompressorRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("entry payload "), 100)
	chunk, err := GzipCompressor(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	r, err := gzip.NewReader(bytes.NewReader(chunk))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("gzip round trip mismatch")
	}
}

func TestSnappyCompressorRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("entry payload "), 100)
	chunk, err := SnappyCompressor(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	out, err := snappy.Decode(nil, chunk)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("snappy round trip mismatch")
	}
}

func TestLZMA2CompressorRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("entry payload "), 100)
	chunk, err := LZMA2Compressor(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	r, err := xz.NewReader(bytes.NewReader(chunk))
	if err != nil {
		t.Fatalf("xz reader: %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("xz round trip mismatch")
	}
}

func TestCompressorByName(t *testing.T) {
	for _, name := range []string{"", "none", "identity"} {
		c, err := CompressorByName(name)
		if err != nil || c != nil {
			t.Errorf("CompressorByName(%q) = %v, %v; want nil, nil", name, c, err)
		}
	}
	for _, name := range []string{"gzip", "snappy", "lzma2", "xz"} {
		c, err := CompressorByName(name)
		if err != nil || c == nil {
			t.Errorf("CompressorByName(%q) = %v, %v; want compressor", name, c, err)
		}
	}
	if _, err := CompressorByName("zstd"); err == nil {
		t.Error("expected error for unknown name")
	}
}

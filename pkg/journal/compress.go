package journal

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/ulikunitz/xz"
)

// Compressor transforms a concatenated batch into the chunk that gets
// uploaded. Nil means identity.
type Compressor func([]byte) ([]byte, error)

// GzipCompressor compresses with gzip at the default level.
func GzipCompressor(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// SnappyCompressor compresses with the snappy block format.
func SnappyCompressor(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// LZMA2Compressor compresses with xz (LZMA2).
func LZMA2Compressor(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("xz: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("xz: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("xz close: %w", err)
	}
	return buf.Bytes(), nil
}

// CompressorByName resolves a CLI compressor name.
func CompressorByName(name string) (Compressor, error) {
	switch name {
	case "", "none", "identity":
		return nil, nil
	case "gzip":
		return GzipCompressor, nil
	case "snappy":
		return SnappyCompressor, nil
	case "lzma2", "xz":
		return LZMA2Compressor, nil
	}
	return nil, fmt.Errorf("unknown compressor %q", name)
}

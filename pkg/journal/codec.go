package journal

import (
	"fmt"
)

// Entry is an opaque application value. The journal only ever hands it to
// the configured Encoder.
type Entry = any

// Encoder turns an entry into its byte representation.
type Encoder func(Entry) []byte

// DefaultEncoder renders byte slices and strings as-is and everything
// else through fmt.
func DefaultEncoder(e Entry) []byte {
	switch v := e.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	case fmt.Stringer:
		return []byte(v.String())
	default:
		return fmt.Appendf(nil, "%v", v)
	}
}

// encodeBatch renders a flushed batch into one chunk: each entry is
// encoded and followed by the delimiter, the concatenation is compressed.
// The trailing delimiter after the final entry is part of the layout;
// readers depend on it.
func encodeBatch(batch []Entry, enc Encoder, delimiter []byte, comp Compressor) ([]byte, error) {
	size := 0
	encoded := make([][]byte, len(batch))
	for i, e := range batch {
		encoded[i] = enc(e)
		size += len(encoded[i]) + len(delimiter)
	}

	buf := make([]byte, 0, size)
	for _, e := range encoded {
		buf = append(buf, e...)
		buf = append(buf, delimiter...)
	}

	if comp == nil {
		return buf, nil
	}
	out, err := comp(buf)
	if err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	return out, nil
}

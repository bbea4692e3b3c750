package journal

import (
	"encoding/binary"
	"fmt"
)

// ActionKind tags the variants of durable queue actions.
type ActionKind uint8

const (
	// ActionSkip is the sentinel a corrupt record decodes to.
	ActionSkip ActionKind = iota
	// ActionStart initializes the multipart upload for the file
	// containing Pos.PartIndex.
	ActionStart
	// ActionConj appends chunk bytes to the part at Pos.PartIndex.
	ActionConj
	// ActionUpload uploads the accumulated (non-final) part.
	ActionUpload
	// ActionEnd finalizes or aborts the file's multipart upload.
	ActionEnd
	// ActionFlush fans out an End for every live upload.
	ActionFlush
)

func (k ActionKind) String() string {
	switch k {
	case ActionSkip:
		return "skip"
	case ActionStart:
		return "start"
	case ActionConj:
		return "conj"
	case ActionUpload:
		return "upload"
	case ActionEnd:
		return "end"
	case ActionFlush:
		return "flush"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Action is one planned unit of upload work, serialized onto the durable
// queue so it survives process death.
type Action struct {
	Kind  ActionKind
	Pos   Position
	Count int    // Conj: entries in the chunk
	Bytes []byte // Conj: the chunk
}

const actionVersion = 1

// encodeAction serializes an action as a versioned tag plus payload:
// version | kind | runningBytes | partIndex | dirLen | dir | count | bytesLen | bytes.
func encodeAction(a Action) []byte {
	dir := []byte(a.Pos.Dir)
	buf := make([]byte, 0, 2+8+8+2+len(dir)+4+4+len(a.Bytes))
	buf = append(buf, actionVersion, byte(a.Kind))
	buf = binary.BigEndian.AppendUint64(buf, uint64(a.Pos.RunningBytes))
	buf = binary.BigEndian.AppendUint64(buf, uint64(a.Pos.PartIndex))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(dir)))
	buf = append(buf, dir...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(a.Count))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(a.Bytes)))
	buf = append(buf, a.Bytes...)
	return buf
}

// decodeAction deserializes an action payload. Callers map any error to
// ActionSkip: a malformed record costs its part's bytes, which the design
// accepts rather than wedging the queue.
func decodeAction(buf []byte) (Action, error) {
	if len(buf) < 2 {
		return Action{}, fmt.Errorf("action too short: %d bytes", len(buf))
	}
	if buf[0] != actionVersion {
		return Action{}, fmt.Errorf("unknown action version %d", buf[0])
	}
	kind := ActionKind(buf[1])
	if kind == ActionSkip || kind > ActionFlush {
		return Action{}, fmt.Errorf("unknown action kind %d", buf[1])
	}
	rest := buf[2:]
	if len(rest) < 8+8+2 {
		return Action{}, fmt.Errorf("truncated action header")
	}
	a := Action{Kind: kind}
	a.Pos.RunningBytes = int64(binary.BigEndian.Uint64(rest[:8]))
	a.Pos.PartIndex = int(binary.BigEndian.Uint64(rest[8:16]))
	dirLen := int(binary.BigEndian.Uint16(rest[16:18]))
	rest = rest[18:]
	if len(rest) < dirLen+8 {
		return Action{}, fmt.Errorf("truncated action directory")
	}
	a.Pos.Dir = string(rest[:dirLen])
	rest = rest[dirLen:]
	a.Count = int(binary.BigEndian.Uint32(rest[:4]))
	byteLen := int(binary.BigEndian.Uint32(rest[4:8]))
	rest = rest[8:]
	if len(rest) != byteLen {
		return Action{}, fmt.Errorf("action payload length %d, want %d", len(rest), byteLen)
	}
	if byteLen > 0 {
		a.Bytes = append([]byte(nil), rest...)
	}
	return a, nil
}

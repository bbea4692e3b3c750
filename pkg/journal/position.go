package journal

import (
	"fmt"
	"time"
)

// Position describes where the next chunk will be appended: accumulated
// bytes of the current part, the directory-global part counter, and the
// current time directory.
//
// Within a directory PartIndex never decreases during process lifetime; a
// restarted process resumes at MaxPartsPerFile times the directory's file
// count.
type Position struct {
	RunningBytes int64
	PartIndex    int
	Dir          string
}

// fileNumber is the multipart object ordinal the part belongs to.
func (p Position) fileNumber(maxPartsPerFile int) int {
	return p.PartIndex / maxPartsPerFile
}

// fileBase is the first PartIndex of the part's file.
func (p Position) fileBase(maxPartsPerFile int) int {
	return p.fileNumber(maxPartsPerFile) * maxPartsPerFile
}

// fileKey renders the multipart object key for a file.
func fileKey(dir, id string, fileNumber int) string {
	return fmt.Sprintf("%s/%s-%06d.journal", dir, id, fileNumber)
}

// advancer maps (chunk size, position, wall clock) to the next position
// plus the side-effect actions the transition requires. It is pure: the
// caller owns ordering and persistence of the returned actions.
type advancer struct {
	minPartSize     int64
	maxPartsPerFile int
	format          *DirFormat
}

func (a advancer) advance(cur Position, chunkSize int64, now time.Time) (Position, []Action) {
	dir := a.format.Format(now)
	if dir != cur.Dir {
		next := Position{RunningBytes: chunkSize, PartIndex: 0, Dir: dir}
		return next, []Action{
			{Kind: ActionEnd, Pos: cur},
			{Kind: ActionStart, Pos: next},
		}
	}

	next := Position{RunningBytes: cur.RunningBytes + chunkSize, PartIndex: cur.PartIndex, Dir: cur.Dir}
	partChanged := cur.RunningBytes > a.minPartSize
	if partChanged {
		next.PartIndex = cur.PartIndex + 1
		next.RunningBytes = chunkSize
	}

	var actions []Action
	if partChanged && next.PartIndex%a.maxPartsPerFile == 0 {
		actions = append(actions,
			Action{Kind: ActionEnd, Pos: cur},
			Action{Kind: ActionStart, Pos: next},
		)
	}
	if next.RunningBytes > a.minPartSize {
		actions = append(actions, Action{Kind: ActionUpload, Pos: next})
	}
	return next, actions
}

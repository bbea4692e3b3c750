package journal

import (
	"fmt"
	"strings"
	"time"
)

// DirFormat is a compiled time-directory pattern.
//
// Patterns use date-pattern letters (yyyy, MM, dd, HH, mm, ss) plus
// literal separators; a single-quoted segment is copied verbatim and, when
// leading, doubles as the object-store listing prefix
// (e.g. 'archive/'yyyy/MM/dd).
type DirFormat struct {
	segments []dirSegment
	prefix   string
}

type dirSegment struct {
	text    string
	literal bool
}

var dirFields = []struct {
	pattern string
	layout  string
}{
	{"yyyy", "2006"},
	{"yy", "06"},
	{"MM", "01"},
	{"dd", "02"},
	{"HH", "15"},
	{"mm", "04"},
	{"ss", "05"},
}

// CompileDirFormat parses a directory pattern.
func CompileDirFormat(pattern string) (*DirFormat, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty directory format")
	}

	f := &DirFormat{}
	rest := pattern
	for len(rest) > 0 {
		if rest[0] == '\'' {
			end := strings.IndexByte(rest[1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("directory format %q: unterminated quote", pattern)
			}
			f.segments = append(f.segments, dirSegment{text: rest[1 : 1+end], literal: true})
			rest = rest[end+2:]
			continue
		}

		matched := false
		for _, field := range dirFields {
			if strings.HasPrefix(rest, field.pattern) {
				f.segments = append(f.segments, dirSegment{text: field.layout})
				rest = rest[len(field.pattern):]
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		c := rest[0]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			return nil, fmt.Errorf("directory format %q: unsupported pattern letter %q", pattern, c)
		}
		f.segments = append(f.segments, dirSegment{text: string(c), literal: true})
		rest = rest[1:]
	}

	if len(f.segments) > 0 && f.segments[0].literal {
		f.prefix = f.segments[0].text
	}
	return f, nil
}

// Format renders the directory for t.
func (f *DirFormat) Format(t time.Time) string {
	var b strings.Builder
	for _, seg := range f.segments {
		if seg.literal {
			b.WriteString(seg.text)
		} else {
			b.WriteString(t.Format(seg.text))
		}
	}
	return b.String()
}

// Prefix returns the leading literal segment, used as the multipart
// listing prefix during recovery. Empty when the pattern starts with a
// date field.
func (f *DirFormat) Prefix() string {
	return f.prefix
}

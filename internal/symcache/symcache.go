// Package symcache compiles a parsed symfile.Model into a compact,
// binary-serializable structure supporting O(log n) address lookup, and
// answers address -> frame(s) queries.
//
// Grounded on the teacher's use of symbolic.Archive/SymCache
// (dsymprocessor/symbolicator.go, symbolicatorprocessor/symbolicator.go):
// same shape (build once from parsed input, Lookup(addr) returns an
// ordered innermost-first frame list with function/file/line) but
// implemented directly instead of delegated to a cgo binding, since
// spec.md §4.1-4.2 name the parser and builder as the system's core.
package symcache

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/mozilla-services/eliot/internal/symfile"
)

// Magic and Version identify the on-disk blob format (spec.md §4.2).
// Loaders reject a blob whose version doesn't match, treating it as a
// cold miss.
const (
	Magic   uint32 = 0x53594d43 // "SYMC"
	Version uint32 = 1
)

// Frame is one entry in a lookup result: the innermost function frame, or
// one of its enclosing inline call frames.
type Frame struct {
	Function string
	File     string
	Line     uint32
}

// entry is one compiled address range: either a FUNC (with optional
// inline expansion) or a PUBLIC fallback.
type entry struct {
	start, end uint64
	isPublic   bool
	frames     []Frame // innermost-first; len==1 for PUBLIC and non-inlined FUNC
}

// SymCache is the compiled, searchable form of a parsed .sym file.
type SymCache struct {
	entries []entry // sorted by start, non-overlapping after Build's coalescing
}

// Build compiles a parsed Model into a SymCache: functions are sorted by
// start address (symfile.Parse already did this) with overlaps coalesced
// last-wins, and inline frames are precomputed for every line range they
// cover so Lookup is a pure binary search.
func Build(m *symfile.Model) (*SymCache, error) {
	var entries []entry

	for i := range m.Functions {
		fn := &m.Functions[i]
		if fn.Size == 0 {
			continue
		}
		fnEntries := buildFunctionEntries(m, fn)
		entries = append(entries, fnEntries...)
	}

	for _, pub := range m.Publics {
		entries = append(entries, entry{
			start: pub.Addr,
			// PUBLIC has no declared size: it's a fallback for whatever
			// range isn't covered by a FUNC, so it provisionally covers
			// up to the address space's end; coalesceOverlaps clips it
			// down to the next entry's start below.
			end:      ^uint64(0),
			isPublic: true,
			frames:   []Frame{{Function: demangle(pub.Name)}},
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })
	entries = coalesceOverlaps(entries)

	return &SymCache{entries: entries}, nil
}

// buildFunctionEntries tiles a function's full [Addr, End()) range: line
// records carve out their own sub-ranges within it, and any address not
// covered by a line record (before the first one, between two, or after
// the last) falls back to a bare function-name entry instead of being
// left unresolved, since the whole FUNC range is covered regardless of
// line granularity (spec.md §4.2, §8).
func buildFunctionEntries(m *symfile.Model, fn *symfile.Function) []entry {
	base := Frame{Function: demangle(fn.Name)}
	fnEnd := fn.End()

	baseEntry := func(start, end uint64) entry {
		return entry{start: start, end: end, frames: append([]Frame{base}, inlineFramesFor(m, fn, start)...)}
	}

	if len(fn.Lines) == 0 {
		return []entry{baseEntry(fn.Addr, fnEnd)}
	}

	lines := append([]symfile.Line(nil), fn.Lines...)
	sort.Slice(lines, func(i, j int) bool { return lines[i].Addr < lines[j].Addr })

	out := make([]entry, 0, len(lines)+2)
	cursor := fn.Addr
	for _, ln := range lines {
		start, end := ln.Addr, ln.End()
		if end <= cursor || start >= fnEnd {
			continue // degenerate or out-of-range line record
		}
		if start < cursor {
			start = cursor
		}
		if end > fnEnd {
			end = fnEnd
		}
		if start > cursor {
			out = append(out, baseEntry(cursor, start))
		}
		frame := base
		frame.File = m.FilePath(ln.FileID)
		frame.Line = ln.Number
		frames := append([]Frame{frame}, inlineFramesFor(m, fn, start)...)
		out = append(out, entry{start: start, end: end, frames: frames})
		cursor = end
	}
	if cursor < fnEnd {
		out = append(out, baseEntry(cursor, fnEnd))
	}
	if len(out) == 0 {
		// every line record was degenerate/out-of-range: fall back to
		// covering the whole function with a single bare entry.
		return []entry{baseEntry(fn.Addr, fnEnd)}
	}
	return out
}

// inlineFramesFor returns the enclosing inline frames that cover addr,
// ordered by increasing depth (outer callers later), so combined with the
// innermost function/line frame the result is fully innermost-first.
//
// spec.md §9 leaves "two INLINE records at the same depth covering
// overlapping ranges" as an open question; resolved here as last-wins
// (the later INLINE record in file order at that depth shadows the
// earlier one for the overlapping addresses), matching §4.2's function
// overlap rule for consistency.
func inlineFramesFor(m *symfile.Model, fn *symfile.Function, addr uint64) []Frame {
	// candidate per depth: last one in file order whose range covers addr
	byDepth := make(map[uint32]symfile.Inline)
	maxDepth := uint32(0)
	for _, in := range fn.Inlines {
		if addr >= in.Addr && addr < in.End() {
			byDepth[in.Depth] = in
			if in.Depth > maxDepth {
				maxDepth = in.Depth
			}
		}
	}
	if len(byDepth) == 0 {
		return nil
	}

	var frames []Frame
	for depth := uint32(0); depth <= maxDepth; depth++ {
		in, ok := byDepth[depth]
		if !ok {
			continue
		}
		frames = append(frames, Frame{
			Function: demangle(m.OriginName(in.OriginID)),
			File:     m.FilePath(in.CallSiteFile),
			Line:     in.CallSiteLine,
		})
	}
	return frames
}

// coalesceOverlaps resolves overlapping entries last-wins: when a later
// entry's start falls inside the previous one's range, the previous
// entry is truncated (or dropped if fully shadowed). A PUBLIC never
// shadows a FUNC: one that starts inside a FUNC's range is moved to the
// FUNC's end, or dropped if the FUNC covers all of it.
func coalesceOverlaps(sorted []entry) []entry {
	if len(sorted) == 0 {
		return sorted
	}
	out := make([]entry, 0, len(sorted))
	for _, e := range sorted {
		if e.isPublic && len(out) > 0 {
			if last := out[len(out)-1]; !last.isPublic && last.end > e.start {
				if last.end >= e.end {
					continue
				}
				e.start = last.end
			}
		}
		for len(out) > 0 && out[len(out)-1].end > e.start {
			last := &out[len(out)-1]
			if last.start >= e.start {
				// fully shadowed by e, drop it
				out = out[:len(out)-1]
				continue
			}
			last.end = e.start
			break
		}
		out = append(out, e)
	}
	return out
}

// Lookup returns the innermost-first frame list covering offset, or
// (nil, false) if offset isn't covered by any FUNC or PUBLIC record.
func (c *SymCache) Lookup(offset uint64) ([]Frame, bool) {
	i := sort.Search(len(c.entries), func(i int) bool { return c.entries[i].end > offset })
	if i >= len(c.entries) || offset < c.entries[i].start {
		return nil, false
	}
	return c.entries[i].frames, true
}

// demangle applies C++/Rust demangling if name begins with a recognized
// mangling prefix; on failure, or for unrecognized prefixes, the mangled
// form is left intact (spec.md §4.2).
func demangle(name string) string {
	switch {
	case strings.HasPrefix(name, "_Z"), strings.HasPrefix(name, "__Z"):
		if d, ok := demangleItanium(name); ok {
			return d
		}
	case strings.HasPrefix(name, "_R"):
		if d, ok := demangleRust(name); ok {
			return d
		}
	}
	return name
}

// Serialize encodes the SymCache to its on-disk blob form: a 4-byte
// magic, a 4-byte version, then a length-prefixed sequence of entries.
func (c *SymCache) Serialize() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], Version)

	buf = appendUvarint(buf, uint64(len(c.entries)))
	for _, e := range c.entries {
		buf = appendUvarint(buf, e.start)
		buf = appendUvarint(buf, e.end)
		if e.isPublic {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendUvarint(buf, uint64(len(e.frames)))
		for _, f := range e.frames {
			buf = appendString(buf, f.Function)
			buf = appendString(buf, f.File)
			buf = appendUvarint(buf, uint64(f.Line))
		}
	}
	return buf
}

// Deserialize decodes a blob produced by Serialize. A version mismatch
// returns an error so the caller can treat the cache entry as a cold miss
// and delete the stale blob (spec.md §4.2).
func Deserialize(blob []byte) (*SymCache, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("symcache: truncated blob")
	}
	magic := binary.LittleEndian.Uint32(blob[0:4])
	version := binary.LittleEndian.Uint32(blob[4:8])
	if magic != Magic {
		return nil, fmt.Errorf("symcache: bad magic %x", magic)
	}
	if version != Version {
		return nil, fmt.Errorf("symcache: version mismatch: have %d want %d", version, Version)
	}

	r := &reader{buf: blob, pos: 8}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	entries := make([]entry, 0, n)
	for i := uint64(0); i < n; i++ {
		start, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		end, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		isPublicByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		frameCount, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		frames := make([]Frame, 0, frameCount)
		for j := uint64(0); j < frameCount; j++ {
			fn, err := r.string()
			if err != nil {
				return nil, err
			}
			file, err := r.string()
			if err != nil {
				return nil, err
			}
			lineNo, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			frames = append(frames, Frame{Function: fn, File: file, Line: uint32(lineNo)})
		}
		entries = append(entries, entry{start: start, end: end, isPublic: isPublicByte == 1, frames: frames})
	}
	return &SymCache{entries: entries}, nil
}

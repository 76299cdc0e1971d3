package symfile

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/mozilla-services/eliot/internal/symerr"
)

// bufio.Scanner's default token size (64KiB) is too small for legitimately
// long FUNC lines with many trailing INLINE address/size pairs; grow it.
const maxLineBytes = 4 << 20

// Parse streams a Breakpad-format .sym file and builds a Model.
//
// expectedDebugID is the debug id the caller requested this symbol file
// for; a MODULE line naming a different id fails with a bad_debug_id
// error (spec.md §4.1), since serving the wrong module's symbols would
// silently corrupt lookups. Comparison is case-insensitive; the model's
// stored DebugID is normalized to uppercase, matching spec.md §3's
// canonical module-reference key.
//
// Parsing is streaming: at most one line is held in memory at a time
// plus the (monotonically growing) model being built, never the whole
// file.
func Parse(r io.Reader, expectedDebugID string) (*Model, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	m := &Model{
		Files:   make(map[uint32]string),
		Origins: make(map[uint32]string),
	}

	var cur *Function
	sawModule := false

	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		// Lines indented under a FUNC that aren't a recognized directive are
		// line records; everything else is a top-level record keyword.
		fields := strings.Fields(trimmed)
		switch fields[0] {
		case "MODULE":
			if sawModule {
				// A second MODULE line is not valid Breakpad; ignore rather
				// than fail, matching the parser's "unknown directives are
				// skipped silently" posture for degenerate input.
				continue
			}
			mod, err := parseModule(fields)
			if err != nil {
				return nil, err
			}
			if expectedDebugID != "" && !strings.EqualFold(mod.DebugID, expectedDebugID) {
				return nil, symerr.Parse("bad_debug_id", fmt.Errorf("module debug id %s does not match requested %s", mod.DebugID, expectedDebugID))
			}
			mod.DebugID = strings.ToUpper(mod.DebugID)
			m.Module = mod
			sawModule = true
			cur = nil

		case "FILE":
			if !sawModule {
				return nil, symerr.Parse("malformed", fmt.Errorf("FILE record before MODULE"))
			}
			if len(fields) < 3 {
				return nil, symerr.Parse("malformed", fmt.Errorf("malformed FILE record: %q", line))
			}
			id, err := parseHexOrDecUint(fields[1])
			if err != nil {
				return nil, symerr.Parse("malformed", fmt.Errorf("bad FILE id: %w", err))
			}
			m.Files[uint32(id)] = strings.Join(fields[2:], " ")
			cur = nil

		case "INLINE_ORIGIN":
			if len(fields) < 3 {
				return nil, symerr.Parse("malformed", fmt.Errorf("malformed INLINE_ORIGIN record: %q", line))
			}
			id, err := parseHexOrDecUint(fields[1])
			if err != nil {
				return nil, symerr.Parse("malformed", fmt.Errorf("bad INLINE_ORIGIN id: %w", err))
			}
			m.Origins[uint32(id)] = strings.Join(fields[2:], " ")
			cur = nil

		case "FUNC":
			fn, err := parseFunc(fields)
			if err != nil {
				return nil, err
			}
			m.Functions = append(m.Functions, fn)
			cur = &m.Functions[len(m.Functions)-1]

		case "INLINE":
			if cur == nil {
				return nil, symerr.Parse("malformed", fmt.Errorf("INLINE record outside of FUNC"))
			}
			inlines, err := parseInline(fields)
			if err != nil {
				return nil, err
			}
			cur.Inlines = append(cur.Inlines, inlines...)

		case "PUBLIC":
			pub, err := parsePublic(fields)
			if err != nil {
				return nil, err
			}
			m.Publics = append(m.Publics, pub)
			cur = nil

		case "STACK":
			cur = nil // opaque, skipped

		default:
			// Either a line record belonging to the current FUNC, or an
			// unrecognized directive to skip silently.
			if cur != nil && isLineRecord(fields) {
				ln, err := parseLineRecord(fields)
				if err != nil {
					return nil, err
				}
				cur.Lines = append(cur.Lines, ln)
			}
			// unknown directive: skip
		}
	}
	if err := sc.Err(); err != nil {
		return nil, symerr.Parse("malformed", fmt.Errorf("reading sym file: %w", err))
	}
	if !sawModule {
		return nil, symerr.Parse("malformed", fmt.Errorf("missing MODULE record"))
	}

	sortFunctions(m.Functions)
	return m, nil
}

// isLineRecord reports whether fields looks like "addr size line file_id":
// four hex/decimal integer fields. FUNC/PUBLIC/etc. keywords are excluded
// by the caller already having dispatched on fields[0].
func isLineRecord(fields []string) bool {
	if len(fields) != 4 {
		return false
	}
	for _, f := range fields {
		if _, err := strconv.ParseUint(f, 16, 64); err != nil {
			return false
		}
	}
	return true
}

func parseModule(fields []string) (Module, error) {
	// MODULE os arch debug_id name [name...]
	if len(fields) < 5 {
		return Module{}, symerr.Parse("malformed", fmt.Errorf("malformed MODULE record: need at least 5 fields, got %d", len(fields)))
	}
	return Module{
		OS:      fields[1],
		Arch:    fields[2],
		DebugID: fields[3],
		Name:    strings.Join(fields[4:], " "),
	}, nil
}

func parseFunc(fields []string) (Function, error) {
	// FUNC [m] addr size param_size name...
	idx := 1
	multiple := false
	if idx < len(fields) && fields[idx] == "m" {
		multiple = true
		idx++
	}
	if len(fields)-idx < 4 {
		return Function{}, symerr.Parse("malformed", fmt.Errorf("malformed FUNC record"))
	}
	addr, err := parseHex64(fields[idx])
	if err != nil {
		return Function{}, symerr.Parse("malformed", fmt.Errorf("bad FUNC addr: %w", err))
	}
	size, err := parseHex64(fields[idx+1])
	if err != nil {
		return Function{}, symerr.Parse("malformed", fmt.Errorf("bad FUNC size: %w", err))
	}
	paramSize, err := parseHex64(fields[idx+2])
	if err != nil {
		return Function{}, symerr.Parse("malformed", fmt.Errorf("bad FUNC param_size: %w", err))
	}
	name := strings.Join(fields[idx+3:], " ")
	return Function{
		Addr:      addr,
		Size:      size,
		ParamSize: paramSize,
		Multiple:  multiple,
		Name:      name,
	}, nil
}

func parseLineRecord(fields []string) (Line, error) {
	addr, err := parseHex64(fields[0])
	if err != nil {
		return Line{}, symerr.Parse("malformed", fmt.Errorf("bad line addr: %w", err))
	}
	size, err := parseHex64(fields[1])
	if err != nil {
		return Line{}, symerr.Parse("malformed", fmt.Errorf("bad line size: %w", err))
	}
	lineNo, err := parseHex64(fields[2])
	if err != nil {
		return Line{}, symerr.Parse("malformed", fmt.Errorf("bad line number: %w", err))
	}
	fileID, err := parseHex64(fields[3])
	if err != nil {
		return Line{}, symerr.Parse("malformed", fmt.Errorf("bad line file id: %w", err))
	}
	return Line{Addr: addr, Size: size, Number: uint32(lineNo), FileID: uint32(fileID)}, nil
}

func parseInline(fields []string) ([]Inline, error) {
	// INLINE depth call_site_line call_site_file origin_id addr size [addr size]...
	if len(fields) < 7 || (len(fields)-5)%2 != 0 {
		return nil, symerr.Parse("malformed", fmt.Errorf("malformed INLINE record"))
	}
	depth, err := parseHex64(fields[1])
	if err != nil {
		return nil, symerr.Parse("malformed", fmt.Errorf("bad INLINE depth: %w", err))
	}
	callLine, err := parseHex64(fields[2])
	if err != nil {
		return nil, symerr.Parse("malformed", fmt.Errorf("bad INLINE call_site_line: %w", err))
	}
	callFile, err := parseHex64(fields[3])
	if err != nil {
		return nil, symerr.Parse("malformed", fmt.Errorf("bad INLINE call_site_file: %w", err))
	}
	origin, err := parseHex64(fields[4])
	if err != nil {
		return nil, symerr.Parse("malformed", fmt.Errorf("bad INLINE origin_id: %w", err))
	}

	var out []Inline
	for i := 5; i < len(fields); i += 2 {
		addr, err := parseHex64(fields[i])
		if err != nil {
			return nil, symerr.Parse("malformed", fmt.Errorf("bad INLINE addr: %w", err))
		}
		size, err := parseHex64(fields[i+1])
		if err != nil {
			return nil, symerr.Parse("malformed", fmt.Errorf("bad INLINE size: %w", err))
		}
		out = append(out, Inline{
			Depth:        uint32(depth),
			CallSiteLine: uint32(callLine),
			CallSiteFile: uint32(callFile),
			OriginID:     uint32(origin),
			Addr:         addr,
			Size:         size,
		})
	}
	return out, nil
}

func parsePublic(fields []string) (Public, error) {
	// PUBLIC [m] addr param_size name...
	idx := 1
	multiple := false
	if idx < len(fields) && fields[idx] == "m" {
		multiple = true
		idx++
	}
	if len(fields)-idx < 3 {
		return Public{}, symerr.Parse("malformed", fmt.Errorf("malformed PUBLIC record"))
	}
	addr, err := parseHex64(fields[idx])
	if err != nil {
		return Public{}, symerr.Parse("malformed", fmt.Errorf("bad PUBLIC addr: %w", err))
	}
	paramSize, err := parseHex64(fields[idx+1])
	if err != nil {
		return Public{}, symerr.Parse("malformed", fmt.Errorf("bad PUBLIC param_size: %w", err))
	}
	name := strings.Join(fields[idx+2:], " ")
	return Public{Addr: addr, ParamSize: paramSize, Multiple: multiple, Name: name}, nil
}

func parseHex64(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

// parseHexOrDecUint parses FILE/INLINE_ORIGIN ids, which Breakpad emits in
// decimal (unlike addr/size fields, which are hex).
func parseHexOrDecUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// sortFunctions sorts functions by start address. The sort is stable, so
// functions sharing a start address keep their file order; overlaps are
// not coalesced here but in symcache.Build (last-wins, spec.md §4.2).
func sortFunctions(fns []Function) {
	sort.SliceStable(fns, func(i, j int) bool {
		return fns[i].Addr < fns[j].Addr
	})
}

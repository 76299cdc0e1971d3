// Package api adapts the v4 and v5 wire schemas (spec.md §4.6, §6) onto
// the common internal symbolicator.Job representation, validates
// incoming payloads, and renders version-specific responses.
//
// Grounded on the teacher's processor Config/validation pattern
// (each *processor package: a Config struct, a Validate() error method
// enumerating specific failure reasons) generalized from startup config
// validation to per-request payload validation, since this service's
// wire boundary needs the same "typed schema, enumerated reasons" shape
// spec.md §9 calls for.
package api

import (
	"encoding/json"
	"strconv"

	"github.com/mozilla-services/eliot/internal/symbolicator"
)

// moduleRefWire is the [debug_filename, debug_id] pair shape shared by
// v4 and v5 memoryMap entries.
type moduleRefWire [2]string

// frameWire is the [module_index, address_offset] pair shape shared by
// v4 and v5 stack entries. address_offset is an unsigned 64-bit value
// (spec.md §3), decoded separately from module_index's signed int64
// (module_index uses -1 as a sentinel) so an offset above 2^63-1 isn't
// rejected.
type frameWire struct {
	ModuleIndex   int64
	AddressOffset uint64
}

// rawJob is the wire shape for one job's memoryMap/stacks, decoded via
// json.RawMessage first: unmarshaling straight into [2]string/[2]int64
// arrays would silently truncate or zero-fill a tuple of the wrong
// arity instead of rejecting it, so arity is checked explicitly below.
type rawJob struct {
	MemoryMap []json.RawMessage   `json:"memoryMap"`
	Stacks    [][]json.RawMessage `json:"stacks"`
}

// v4WireRequest is the legacy single-job request shape.
type v4WireRequest struct {
	rawJob
	Version int `json:"version,omitempty"`
}

// v5WireRequest carries one or more jobs in a single request.
type v5WireRequest struct {
	Jobs []rawJob `json:"jobs"`
}

// validationError is returned for any malformed payload; Reason is the
// stable tag used for both the HTTP body and the request_error counter
// (spec.md §4.6, §6).
type validationError struct {
	Reason string
}

func (e *validationError) Error() string { return e.Reason }

func invalid(reason string) *validationError { return &validationError{Reason: reason} }

func decodeModuleRefWire(raw json.RawMessage) (moduleRefWire, error) {
	var fields []string
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) != 2 {
		return moduleRefWire{}, invalid("invalid_memory_map")
	}
	if fields[0] == "" {
		return moduleRefWire{}, invalid("invalid_memory_map")
	}
	return moduleRefWire{fields[0], fields[1]}, nil
}

func decodeFrameWire(raw json.RawMessage) (frameWire, error) {
	var fields []json.Number
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) != 2 {
		return frameWire{}, invalid("invalid_stack")
	}
	moduleIndex, err := fields[0].Int64()
	if err != nil {
		return frameWire{}, invalid("invalid_stack")
	}
	offset, err := strconv.ParseUint(fields[1].String(), 10, 64)
	if err != nil {
		return frameWire{}, invalid("invalid_stack")
	}
	return frameWire{ModuleIndex: moduleIndex, AddressOffset: offset}, nil
}

// toJob validates arity/range and converts one rawJob into a
// symbolicator.Job (spec.md §4.6 validation rules).
func (r rawJob) toJob() (symbolicator.Job, error) {
	refs := make([]symbolicator.ModuleRef, len(r.MemoryMap))
	for i, raw := range r.MemoryMap {
		ref, err := decodeModuleRefWire(raw)
		if err != nil {
			return symbolicator.Job{}, err
		}
		refs[i] = symbolicator.ModuleRef{DebugFilename: ref[0], DebugID: ref[1]}
	}

	jobStacks := make([][]symbolicator.FrameRequest, len(r.Stacks))
	for i, stack := range r.Stacks {
		frames := make([]symbolicator.FrameRequest, len(stack))
		for j, raw := range stack {
			fr, err := decodeFrameWire(raw)
			if err != nil {
				return symbolicator.Job{}, err
			}
			if fr.ModuleIndex < -1 || int(fr.ModuleIndex) >= len(refs) {
				return symbolicator.Job{}, invalid("invalid_stack")
			}
			frames[j] = symbolicator.FrameRequest{ModuleIndex: int(fr.ModuleIndex), AddressOffset: fr.AddressOffset}
		}
		jobStacks[i] = frames
	}

	return symbolicator.Job{MemoryMap: refs, Stacks: jobStacks}, nil
}

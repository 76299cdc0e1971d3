package api

import "github.com/mozilla-services/eliot/internal/symbolicator"

// frameResponse is the rendered shape of one symbolicator.ResolvedFrame.
// v4 flattens straight to this (no inlines); v5 nests enclosing inline
// frames under Inlines (spec.md §4.5 step 4, §4.6).
type frameResponse struct {
	Function string          `json:"function,omitempty"`
	File     string          `json:"file,omitempty"`
	Line     uint32          `json:"line,omitempty"`
	Module   string          `json:"module,omitempty"`
	Offset   uint64          `json:"module_offset"`
	Missing  string          `json:"missing_reason,omitempty"`
	Inlines  []frameResponse `json:"inlines,omitempty"`
}

// renderFrame converts one resolved frame into its wire shape.
// expandInlines controls whether enclosing inline frames are nested
// (v5) or dropped, keeping only the innermost frame (v4).
func renderFrame(rf symbolicator.ResolvedFrame, memoryMap []symbolicator.ModuleRef, expandInlines bool) frameResponse {
	resp := frameResponse{Offset: rf.AddressOffset}
	if rf.ModuleIndex >= 0 && rf.ModuleIndex < len(memoryMap) {
		resp.Module = memoryMap[rf.ModuleIndex].Key()
	}
	if rf.Unresolved {
		resp.Missing = rf.MissingReason
		return resp
	}
	if len(rf.Frames) == 0 {
		return resp
	}

	innermost := rf.Frames[0]
	resp.Function = innermost.Function
	resp.File = innermost.File
	resp.Line = innermost.Line

	if expandInlines {
		for _, f := range rf.Frames[1:] {
			resp.Inlines = append(resp.Inlines, frameResponse{
				Function: f.Function,
				File:     f.File,
				Line:     f.Line,
				Offset:   rf.AddressOffset,
			})
		}
	}
	return resp
}

func renderStacks(result symbolicator.JobResult, memoryMap []symbolicator.ModuleRef, expandInlines bool) [][]frameResponse {
	out := make([][]frameResponse, len(result.Stacks))
	for i, stack := range result.Stacks {
		frames := make([]frameResponse, len(stack))
		for j, rf := range stack {
			frames[j] = renderFrame(rf, memoryMap, expandInlines)
		}
		out[i] = frames
	}
	return out
}

// Package symbolicator is the request-scoped orchestrator (spec.md §4.5):
// it deduplicates module references, dispatches concurrent disk-cache
// lookups/builds bounded by a per-request concurrency limit, enforces a
// request deadline, and assembles symbolicated frames in input order.
//
// Grounded on the teacher's basicSymbolicator
// (symbolicatorprocessor/symbolicator.go): a store-backed, LRU-fronted
// lookup behind a concurrency limiter, generalized here from a single
// in-process LRU + channel limiter into disk_cache.GetOrBuild (which
// already owns its own single-flight coordination) plus a per-request
// semaphore bounding concurrent builds.
package symbolicator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mozilla-services/eliot/internal/diskcache"
	"github.com/mozilla-services/eliot/internal/fetch"
	"github.com/mozilla-services/eliot/internal/metrics"
	"github.com/mozilla-services/eliot/internal/symcache"
	"github.com/mozilla-services/eliot/internal/symerr"
	"github.com/mozilla-services/eliot/internal/symfile"
	"go.uber.org/zap"
)

// ModuleRef identifies one loaded module (spec.md §3).
type ModuleRef struct {
	DebugFilename string
	DebugID       string
}

// Key returns the "debug_filename/debug_id" string used by the v5
// found_modules map (spec.md §4.6).
func (m ModuleRef) Key() string {
	return m.DebugFilename + "/" + m.DebugID
}

// FrameRequest is one stack entry: ModuleIndex == -1 means "not
// attributable to any module" (spec.md §3).
type FrameRequest struct {
	ModuleIndex   int
	AddressOffset uint64
}

// Job is one symbolication unit: a memory map plus one or more stacks of
// frame requests indexing into it.
type Job struct {
	MemoryMap []ModuleRef
	Stacks    [][]FrameRequest
}

// Frame is a single resolved stack location, innermost-first when
// inlines are expanded.
type Frame struct {
	Function string
	File     string
	Line     uint32
}

// ResolvedFrame is the symbolication result for one input FrameRequest.
// Unresolved is set when the owning module could not be built at all
// (not found, parse failure, or exhausted download retries); Frames is
// empty but Unresolved is false when the module built fine but the
// offset falls outside any known range (spec.md §4.5 step 4).
type ResolvedFrame struct {
	ModuleIndex   int
	AddressOffset uint64
	Frames        []Frame
	Unresolved    bool
	MissingReason string
}

// JobResult is the per-job symbolication outcome.
type JobResult struct {
	Stacks       [][]ResolvedFrame
	FoundModules map[string]bool
}

// Symbolicator is the shared, process-wide orchestrator; Symbolicate is
// safe to call concurrently from many requests.
type Symbolicator struct {
	cache       *diskcache.Cache
	downloader  *fetch.Downloader
	metrics     metrics.Client
	logger      *zap.Logger
	concurrency int

	// buildSem bounds CPU-heavy parse+build work across the whole
	// process, independent of how many requests or per-request module
	// builds are in flight, so a burst of concurrent requests can't turn
	// into an unbounded number of parsers/builders competing with the
	// downloader's I/O (spec.md §5: "a pool of parallel worker threads
	// at process level ... so fetch throughput is not blocked by CPU
	// work").
	buildSem chan struct{}
}

// Config configures a Symbolicator.
type Config struct {
	Cache              *diskcache.Cache
	Downloader         *fetch.Downloader
	RequestConcurrency int
	// BuildConcurrency bounds process-wide concurrent parse+build work
	// (spec.md §5, §10); distinct from RequestConcurrency, which only
	// bounds builds dispatched within a single request.
	BuildConcurrency int
}

// New constructs a Symbolicator.
func New(cfg Config, logger *zap.Logger, m metrics.Client) *Symbolicator {
	return &Symbolicator{
		cache:       cfg.Cache,
		downloader:  cfg.Downloader,
		metrics:     m,
		logger:      logger,
		concurrency: cfg.RequestConcurrency,
		buildSem:    make(chan struct{}, maxInt(1, cfg.BuildConcurrency)),
	}
}

// moduleOutcome is the per-distinct-module build result shared across
// every frame that references it.
type moduleOutcome struct {
	cache *symcache.SymCache
	err   error
}

// Symbolicate resolves one job's stacks against its memory map,
// preserving input order exactly (spec.md §4.5, §5). version tags the
// symbolicate.api timing metric.
func (s *Symbolicator) Symbolicate(ctx context.Context, job Job, version string) JobResult {
	start := time.Now()
	defer func() {
		s.metrics.Timing("symbolicate.api", time.Since(start), "version:"+version)
	}()

	s.metrics.Count("symbolicate.jobs_count", 1)
	s.metrics.Count("symbolicate.stacks_count", int64(len(job.Stacks)))
	for _, st := range job.Stacks {
		s.metrics.Count("symbolicate.frames_count", int64(len(st)))
	}

	distinct := distinctRefs(job.MemoryMap)
	outcomes := s.buildAll(ctx, distinct)

	found := make(map[string]bool, len(distinct))
	for ref, out := range outcomes {
		found[ref.Key()] = out.err == nil
	}

	resolved := make([][]ResolvedFrame, len(job.Stacks))
	for i, stack := range job.Stacks {
		resolved[i] = make([]ResolvedFrame, len(stack))
		for j, fr := range stack {
			resolved[i][j] = s.resolveFrame(job.MemoryMap, outcomes, fr)
		}
	}

	return JobResult{Stacks: resolved, FoundModules: found}
}

func (s *Symbolicator) resolveFrame(memoryMap []ModuleRef, outcomes map[ModuleRef]moduleOutcome, fr FrameRequest) ResolvedFrame {
	rf := ResolvedFrame{ModuleIndex: fr.ModuleIndex, AddressOffset: fr.AddressOffset}

	if fr.ModuleIndex < 0 || fr.ModuleIndex >= len(memoryMap) {
		rf.Unresolved = true
		rf.MissingReason = "no_module"
		return rf
	}

	ref := memoryMap[fr.ModuleIndex]
	out, ok := outcomes[ref]
	if !ok || out.err != nil {
		rf.Unresolved = true
		rf.MissingReason = "debug_id_missing"
		return rf
	}

	frames, hit := out.cache.Lookup(fr.AddressOffset)
	if !hit {
		return rf // known module, offset simply uncovered: not Unresolved
	}
	rf.Frames = make([]Frame, len(frames))
	for i, f := range frames {
		rf.Frames[i] = Frame{Function: f.Function, File: f.File, Line: f.Line}
	}
	return rf
}

// distinctRefs collapses duplicate (debug_filename, debug_id) pairs in
// the memory map (spec.md §4.5 step 1); the result's order doesn't
// matter since it only drives the fan-out, not the response order.
func distinctRefs(memoryMap []ModuleRef) []ModuleRef {
	seen := make(map[ModuleRef]bool, len(memoryMap))
	var out []ModuleRef
	for _, ref := range memoryMap {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

// buildAll dispatches disk_cache.get_or_build for every distinct module
// reference, bounded by s.concurrency concurrent in-flight builds. A
// deadline on ctx cancels any build still in flight when it expires;
// per spec.md §5 the build itself is allowed to run to completion (so
// its result still publishes to the disk cache) but its result is
// recorded as an error for this request.
func (s *Symbolicator) buildAll(ctx context.Context, refs []ModuleRef) map[ModuleRef]moduleOutcome {
	results := make(map[ModuleRef]moduleOutcome, len(refs))
	if len(refs) == 0 {
		return results
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxInt(1, s.concurrency))

	for _, ref := range refs {
		ref := ref
		wg.Add(1)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			mu.Lock()
			results[ref] = moduleOutcome{err: ctx.Err()}
			mu.Unlock()
			wg.Done()
			continue
		}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			out := s.buildOne(ctx, ref)
			if out.err == nil && ctx.Err() != nil {
				out = moduleOutcome{err: ctx.Err()}
			}
			mu.Lock()
			results[ref] = out
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (s *Symbolicator) buildOne(ctx context.Context, ref ModuleRef) moduleOutcome {
	key := diskcache.Key{DebugFilename: ref.DebugFilename, DebugID: ref.DebugID, Version: symcache.Version}

	res, err := s.cache.GetOrBuild(ctx, key, func(ctx context.Context) ([]byte, error) {
		return s.buildSymcache(ctx, ref)
	})
	if err != nil {
		return moduleOutcome{err: err}
	}
	defer res.Release()

	if res.Status == diskcache.NegativeHit {
		return moduleOutcome{err: symerr.NotFound("not_found", nil)}
	}

	sc, derr := symcache.Deserialize(res.Bytes)
	if derr != nil {
		// A version-mismatched or corrupt blob is a cold miss: rebuild
		// once, outside the stale cache entry.
		data, berr := s.buildSymcache(ctx, ref)
		if berr != nil {
			return moduleOutcome{err: berr}
		}
		sc, derr = symcache.Deserialize(data)
		if derr != nil {
			return moduleOutcome{err: symerr.Internal("bad_symcache", derr)}
		}
		if ierr := s.cache.Invalidate(key); ierr != nil {
			s.logger.Warn("symbolicator: failed to invalidate stale symcache", zap.String("module", ref.Key()), zap.Error(ierr))
		}
		if perr := s.cache.Put(key, data, false); perr != nil {
			s.logger.Warn("symbolicator: failed to republish rebuilt symcache", zap.String("module", ref.Key()), zap.Error(perr))
		}
	}
	return moduleOutcome{cache: sc}
}

// buildSymcache is the disk_cache build_fn: download, parse, compile
// (spec.md §4.5 step 2). The parse+build phase runs under the
// process-wide build semaphore so it never competes unbounded with the
// download phase's I/O.
func (s *Symbolicator) buildSymcache(ctx context.Context, ref ModuleRef) ([]byte, error) {
	raw, err := s.downloader.Download(ctx, ref.DebugFilename, ref.DebugID)
	if err != nil {
		return nil, err
	}

	select {
	case s.buildSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.buildSem }()

	parseStart := time.Now()
	model, err := symfile.Parse(strings.NewReader(string(raw)), ref.DebugID)
	s.metrics.Timing("symbolicate.parse_sym_file.parse", time.Since(parseStart))
	if err != nil {
		s.metrics.Count("symbolicate.parse_sym_file.error", 1, "reason:"+symerr.ReasonOf(err))
		return nil, err
	}

	sc, err := symcache.Build(model)
	if err != nil {
		return nil, symerr.Internal("build_error", err)
	}
	return sc.Serialize(), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Package diskcache implements the size-bounded, on-disk, LRU-evicted
// symcache store described in spec.md §4.4: single-flight builds, atomic
// publication, crash-safe recovery, and negative caching with TTL.
//
// Grounded on the teacher's in-memory caching shape
// (dsymprocessor/symbolicator.go: an LRU of compiled archives plus a
// separate notFoundCache, guarded by a single-slot channel limiter) but
// backed by the filesystem instead of memory, and using
// golang.org/x/sync/singleflight for the coordination the teacher's
// buffered channel approximated (the pack's moby and rclone dependency
// trees both reach for singleflight for exactly this shape).
package diskcache

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"github.com/mozilla-services/eliot/internal/metrics"
	"github.com/mozilla-services/eliot/internal/symerr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// negativeCacheSize bounds the in-memory fast path for repeated
// NegativeHit lookups, avoiding a re-read of the negative sentinel file
// for a key that was already confirmed missing recently. Mirrors the teacher's in-memory
// notFoundCache (dsymprocessor/symbolicator.go) sitting in front of a
// heavier lookup.
const negativeCacheSize = 4096

const (
	positiveFile = "symcache"
	negativeFile = "negative"
	tmpDir       = "tmp"
)

// Status classifies a Get/GetOrBuild outcome.
type Status int

const (
	Miss Status = iota
	Hit
	NegativeHit
)

// Result is the outcome of a cache lookup, with a Release that must be
// called once the caller is done using Bytes so eviction can safely
// reclaim a pinned entry (spec.md §4.4, §5 reader-count map).
type Result struct {
	Status  Status
	Bytes   []byte
	release func()
}

// Release must be called exactly once when the caller is finished with
// Bytes. It is nil-safe.
func (r *Result) Release() {
	if r != nil && r.release != nil {
		r.release()
	}
}

// BuildFunc produces a fresh symcache blob for a key, or a
// symerr.KindNotFound/KindTransient error (spec.md §4.5 step 2).
type BuildFunc func(ctx context.Context) ([]byte, error)

type entryMeta struct {
	size       int64
	lastAccess time.Time
	negative   bool
}

// Cache is the on-disk, size-bounded, single-flight symcache store.
type Cache struct {
	root         string
	maxBytes     int64
	lowWaterByte int64
	negativeTTL  time.Duration
	logger       *zap.Logger
	metrics      metrics.Client

	mu        sync.Mutex
	index     map[string]*entryMeta
	elems     map[string]*list.Element // key string -> LRU list element
	order     *list.List               // front = most recently used
	totalSize int64
	refCounts map[string]int

	// negCache is a fast path for repeated NegativeHit lookups: a key
	// confirmed missing recently is answered from memory instead of
	// re-reading the negative sentinel file on every request.
	negCache *lru.Cache[string, time.Time]

	group singleflight.Group
}

// Config configures a new Cache.
type Config struct {
	Root         string
	MaxBytes     int64
	LowWaterByte int64
	NegativeTTL  time.Duration
}

// New constructs a Cache rooted at cfg.Root and runs the startup
// warm-scan: it walks the tree rebuilding the in-memory LRU index and
// removes any leftover tmp/ files (spec.md §4.4 Crash safety).
func New(cfg Config, logger *zap.Logger, m metrics.Client) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(cfg.Root, tmpDir), 0o755); err != nil {
		return nil, fmt.Errorf("diskcache: creating tmp dir: %w", err)
	}

	negCache, err := lru.New[string, time.Time](negativeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("diskcache: constructing negative cache: %w", err)
	}

	c := &Cache{
		root:         cfg.Root,
		maxBytes:     cfg.MaxBytes,
		lowWaterByte: cfg.LowWaterByte,
		negativeTTL:  cfg.NegativeTTL,
		logger:       logger,
		metrics:      m,
		index:        make(map[string]*entryMeta),
		elems:        make(map[string]*list.Element),
		order:        list.New(),
		refCounts:    make(map[string]int),
		negCache:     negCache,
	}

	if err := c.warmScan(); err != nil {
		return nil, err
	}
	c.metrics.Gauge("diskcache.usage", float64(c.usage()))
	return c, nil
}

// warmScan walks the cache root, rebuilding the in-memory LRU index from
// whatever positive/negative entries already exist on disk (access time
// reconstructed from file mtime, since it isn't itself persisted), and
// removes any tmp/ files left behind by a crash between fsync and link
// (spec.md §4.4).
func (c *Cache) warmScan() error {
	tmp := filepath.Join(c.root, tmpDir)
	entries, err := os.ReadDir(tmp)
	if err != nil && !os.IsNotExist(err) {
		return symerr.CacheIO("cache_warmscan_error", err)
	}
	for _, e := range entries {
		_ = os.Remove(filepath.Join(tmp, e.Name()))
	}

	type found struct {
		key      Key
		size     int64
		mtime    time.Time
		negative bool
	}
	var all []found

	err = filepath.WalkDir(c.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if base != positiveFile && base != negativeFile {
			return nil
		}
		// <root>/<shard>/<debug_filename>/<debug_id>/<version>/<positiveFile|negativeFile>
		rel, relErr := filepath.Rel(c.root, path)
		if relErr != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 5 {
			return nil
		}
		var version uint32
		fmt.Sscanf(parts[3], "%d", &version)
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		all = append(all, found{
			key:      Key{DebugFilename: parts[1], DebugID: parts[2], Version: version},
			size:     info.Size(),
			mtime:    info.ModTime(),
			negative: base == negativeFile,
		})
		return nil
	})
	if err != nil {
		return symerr.CacheIO("cache_warmscan_error", err)
	}

	// Oldest mtime first, so PushFront below leaves the most recently
	// touched entries at the front of the LRU order, matching how they'd
	// sit if they'd been Get() in that same order.
	sort.Slice(all, func(i, j int) bool { return all[i].mtime.Before(all[j].mtime) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range all {
		ks := f.key.String()
		if _, exists := c.index[ks]; exists {
			// A positive entry supersedes a negative one for the same key.
			if !f.negative {
				c.index[ks].negative = false
			}
			continue
		}
		c.index[ks] = &entryMeta{size: f.size, lastAccess: f.mtime, negative: f.negative}
		c.elems[ks] = c.order.PushFront(ks)
		c.totalSize += f.size
	}
	return nil
}

func (c *Cache) usage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// Usage returns the current total size, in bytes, of cached entries.
func (c *Cache) Usage() int64 {
	return c.usage()
}

// Ping verifies the cache root is reachable and writable, for the
// /__heartbeat__ health check (spec.md §12): it writes and removes a
// small probe file under tmp/, the same directory Put already uses for
// staging, rather than merely statting the root.
func (c *Cache) Ping() error {
	probe := filepath.Join(c.root, tmpDir, "healthcheck-"+uuid.NewString())
	if err := writeAndFsync(probe, []byte("ok")); err != nil {
		return symerr.CacheIO("cache_unwritable", err)
	}
	return os.Remove(probe)
}

// layoutDir returns <root>/<shard>/<debug_filename>/<debug_id>/<version>,
// with debug_id uppercased as in Key.String.
func (c *Cache) layoutDir(k Key) string {
	return filepath.Join(c.root, k.shard(), k.DebugFilename, strings.ToUpper(k.DebugID), fmt.Sprint(k.Version))
}

// Get performs a read-only lookup without triggering a build.
func (c *Cache) Get(key Key) (*Result, error) {
	start := time.Now()
	res, err := c.get(key)
	tag := "hit"
	switch {
	case err != nil:
		tag = "error"
	case res.Status == Miss:
		tag = "miss"
	}
	c.metrics.Timing("diskcache.get", time.Since(start), "result:"+tag)
	return res, err
}

func (c *Cache) get(key Key) (*Result, error) {
	ks := key.String()
	dir := c.layoutDir(key)

	data, err := os.ReadFile(filepath.Join(dir, positiveFile))
	if err == nil {
		c.touch(ks, int64(len(data)), false)
		release := c.acquire(ks)
		return &Result{Status: Hit, Bytes: data, release: release}, nil
	}
	if !os.IsNotExist(err) {
		return nil, symerr.CacheIO("cache_read_error", err)
	}

	if createdAt, ok := c.negCache.Get(ks); ok {
		if time.Since(createdAt) < c.negativeTTL {
			return &Result{Status: NegativeHit}, nil
		}
		c.negCache.Remove(ks)
	}

	negData, err := os.ReadFile(filepath.Join(dir, negativeFile))
	if err == nil {
		createdAt, perr := time.Parse(time.RFC3339Nano, string(negData))
		if perr == nil && time.Since(createdAt) < c.negativeTTL {
			c.negCache.Add(ks, createdAt)
			return &Result{Status: NegativeHit}, nil
		}
		return &Result{Status: Miss}, nil
	}
	if !os.IsNotExist(err) {
		return nil, symerr.CacheIO("cache_read_error", err)
	}

	return &Result{Status: Miss}, nil
}

// acquire increments the reader count for ks and returns a release
// closure that decrements it; eviction skips any key with a positive
// reader count (spec.md §4.4, §5).
func (c *Cache) acquire(ks string) func() {
	c.mu.Lock()
	c.refCounts[ks]++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.refCounts[ks]--
			if c.refCounts[ks] <= 0 {
				delete(c.refCounts, ks)
			}
			c.mu.Unlock()
		})
	}
}

// touch records a fresh access timestamp and moves the entry to the front
// of the LRU order. A key the index doesn't know yet is registered and its
// size added to the total; for a known key the recorded size is left
// unchanged.
func (c *Cache) touch(ks string, size int64, negative bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.index[ks]
	if !ok {
		meta = &entryMeta{size: size}
		c.index[ks] = meta
		c.totalSize += size
	}
	meta.lastAccess = time.Now()
	meta.negative = negative
	if el, ok := c.elems[ks]; ok {
		c.order.MoveToFront(el)
	} else {
		c.elems[ks] = c.order.PushFront(ks)
	}
}

// Put atomically publishes a positive or negative cache entry: the
// payload is written to a uniquely named temp file, fsynced, then
// published via a hard link into its final path. Link only succeeds if
// the destination doesn't already exist, so concurrent winners are
// resolved by first-link-wins; losers simply discard their temp file
// (spec.md §4.4).
func (c *Cache) Put(key Key, data []byte, negative bool) error {
	start := time.Now()
	err := c.put(key, data, negative)
	tag := "success"
	if err != nil {
		tag = "fail"
	}
	c.metrics.Timing("diskcache.set", time.Since(start), "result:"+tag)
	return err
}

func (c *Cache) put(key Key, data []byte, negative bool) error {
	dir := c.layoutDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return symerr.CacheIO("cache_write_error", err)
	}

	name := positiveFile
	payload := data
	if negative {
		name = negativeFile
		payload = []byte(time.Now().UTC().Format(time.RFC3339Nano))
	}
	finalPath := filepath.Join(dir, name)

	tmpPath := filepath.Join(c.root, tmpDir, uuid.NewString())
	if err := writeAndFsync(tmpPath, payload); err != nil {
		return symerr.CacheIO("cache_write_error", err)
	}
	defer os.Remove(tmpPath)

	if err := os.Link(tmpPath, finalPath); err != nil {
		if os.IsExist(err) {
			// Another build already published this key; not an error.
			return nil
		}
		return symerr.CacheIO("cache_write_error", err)
	}

	ks := key.String()
	c.touch(ks, int64(len(payload)), negative)

	if negative {
		c.negCache.Add(ks, time.Now())
	} else {
		c.negCache.Remove(ks)
		c.metrics.Gauge("diskcache.usage", float64(c.usage()))
		c.maybeEvict()
	}
	return nil
}

func writeAndFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// GetOrBuild is the single-flight entry point: at most one build runs per
// key across the process at any time; other callers arriving during the
// build observe the same result. A transient build error is surfaced to
// every waiter and never cached; a not_found result is published as a
// negative sentinel (spec.md §4.4).
func (c *Cache) GetOrBuild(ctx context.Context, key Key, build BuildFunc) (*Result, error) {
	if res, err := c.Get(key); err != nil {
		return nil, err
	} else if res.Status != Miss {
		return res, nil
	}

	ks := key.String()
	v, err, _ := c.group.Do(ks, func() (interface{}, error) {
		data, berr := build(ctx)
		if berr == nil {
			if perr := c.Put(key, data, false); perr != nil {
				c.logger.Error("diskcache: failed to publish build result", zap.String("key", ks), zap.Error(perr))
			}
			return &Result{Status: Hit, Bytes: data}, nil
		}

		if symerr.KindOf(berr) == symerr.KindNotFound {
			if perr := c.Put(key, nil, true); perr != nil {
				c.logger.Error("diskcache: failed to publish negative entry", zap.String("key", ks), zap.Error(perr))
			}
			return &Result{Status: NegativeHit}, nil
		}

		return nil, berr
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Invalidate removes a stale entry (spec.md §4.2: a symcache blob whose
// version doesn't match the current builder is a cold miss and is
// deleted) so a subsequent Put can publish its replacement; the usual
// first-link-wins rule would otherwise reject the new blob since the
// old file still occupies the final path.
func (c *Cache) Invalidate(key Key) error {
	ks := key.String()
	c.negCache.Remove(ks)

	c.mu.Lock()
	if meta, ok := c.index[ks]; ok {
		c.totalSize -= meta.size
		delete(c.index, ks)
	}
	if el, ok := c.elems[ks]; ok {
		c.order.Remove(el)
		delete(c.elems, ks)
	}
	c.mu.Unlock()

	if err := os.RemoveAll(c.layoutDir(key)); err != nil {
		return symerr.CacheIO("cache_invalidate_error", err)
	}
	return nil
}

// maybeEvict runs LRU eviction when totalSize exceeds maxBytes, draining
// down to lowWaterByte. Entries with an active reader are skipped rather
// than blocked on, since this cache never holds file handles open across
// the read — the next eviction pass picks them up once released.
func (c *Cache) maybeEvict() {
	c.mu.Lock()
	if c.totalSize <= c.maxBytes {
		c.mu.Unlock()
		return
	}

	var toEvict []Key
	for el := c.order.Back(); el != nil && c.totalSize > c.lowWaterByte; {
		ks := el.Value.(string)
		prev := el.Prev()
		if c.refCounts[ks] > 0 {
			el = prev
			continue
		}
		meta := c.index[ks]
		c.totalSize -= meta.size
		delete(c.index, ks)
		delete(c.elems, ks)
		c.order.Remove(el)
		toEvict = append(toEvict, parseKeyString(ks))
		el = prev
	}
	c.mu.Unlock()

	for _, k := range toEvict {
		if err := os.RemoveAll(c.layoutDir(k)); err != nil {
			c.logger.Warn("diskcache: failed to unlink evicted entry", zap.String("key", k.String()), zap.Error(err))
		}
		c.metrics.Count("diskcache.evict", 1)
	}
	c.metrics.Gauge("diskcache.usage", float64(c.usage()))
}

// parseKeyString reverses Key.String(). Debug filenames and debug ids
// never contain '/' (spec.md §3), so splitting on it is unambiguous.
func parseKeyString(ks string) Key {
	parts := strings.SplitN(ks, "/", 3)
	if len(parts) != 3 {
		return Key{}
	}
	var version uint32
	fmt.Sscanf(parts[2], "%d", &version)
	return Key{DebugFilename: parts[0], DebugID: parts[1], Version: version}
}

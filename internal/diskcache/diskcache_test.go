package diskcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mozilla-services/eliot/internal/metrics"
	"github.com/mozilla-services/eliot/internal/symerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCache(t *testing.T, maxBytes, lowWater int64) *Cache {
	t.Helper()
	c, err := New(Config{
		Root:         t.TempDir(),
		MaxBytes:     maxBytes,
		LowWaterByte: lowWater,
		NegativeTTL:  time.Hour,
	}, zaptest.NewLogger(t), noopMetrics{})
	require.NoError(t, err)
	return c
}

type noopMetrics struct{}

func (noopMetrics) Timing(string, time.Duration, ...string) {}
func (noopMetrics) Count(string, int64, ...string)          {}
func (noopMetrics) Gauge(string, float64, ...string)        {}

var _ metrics.Client = noopMetrics{}

func TestPutThenGetHit(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<19)
	key := Key{DebugFilename: "xul.pdb", DebugID: "AAA1", Version: 1}

	require.NoError(t, c.Put(key, []byte("blob"), false))

	res, err := c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, Hit, res.Status)
	assert.Equal(t, []byte("blob"), res.Bytes)
	res.Release()
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<19)
	res, err := c.Get(Key{DebugFilename: "missing.pdb", DebugID: "DEADBEEF", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status)
}

func TestNegativeHitAndTTLExpiry(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<19)
	c.negativeTTL = 10 * time.Millisecond
	key := Key{DebugFilename: "missing.pdb", DebugID: "DEADBEEF", Version: 1}

	require.NoError(t, c.Put(key, nil, true))

	res, err := c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, NegativeHit, res.Status)

	time.Sleep(20 * time.Millisecond)
	res, err = c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status)
}

func TestGetOrBuildSingleFlight(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<19)
	key := Key{DebugFilename: "xul.pdb", DebugID: "AAA1", Version: 1}

	var calls int64
	build := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("built"), nil
	}

	var wg sync.WaitGroup
	results := make([]*Result, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.GetOrBuild(context.Background(), key, build)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for _, r := range results {
		assert.Equal(t, Hit, r.Status)
		assert.Equal(t, []byte("built"), r.Bytes)
	}
}

func TestGetOrBuildNotFoundPublishesNegative(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<19)
	key := Key{DebugFilename: "missing.pdb", DebugID: "DEADBEEF", Version: 1}

	build := func(ctx context.Context) ([]byte, error) {
		return nil, symerr.NotFound("not_found", errors.New("no artifact"))
	}

	res, err := c.GetOrBuild(context.Background(), key, build)
	require.NoError(t, err)
	assert.Equal(t, NegativeHit, res.Status)

	// Second call shouldn't invoke build again; it's served from the
	// negative sentinel now on disk.
	res, err = c.GetOrBuild(context.Background(), key, func(ctx context.Context) ([]byte, error) {
		t.Fatal("build should not be called again")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, NegativeHit, res.Status)
}

func TestGetOrBuildTransientErrorNotCached(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<19)
	key := Key{DebugFilename: "flaky.pdb", DebugID: "AAA1", Version: 1}

	build := func(ctx context.Context) ([]byte, error) {
		return nil, symerr.Transient("transient_error", errors.New("timeout"))
	}

	_, err := c.GetOrBuild(context.Background(), key, build)
	require.Error(t, err)

	res, err := c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, Miss, res.Status)
}

func TestEvictionOrderingLRU(t *testing.T) {
	// Cap = 3 entries, insert A,B,C (1 unit each), access A, insert D:
	// B is now the least-recently-used entry and is evicted; A, C, D
	// remain. Low-water equals the cap here so eviction stops as soon as
	// usage is back at it.
	c := newTestCache(t, 3, 3)

	put := func(name string) {
		require.NoError(t, c.Put(Key{DebugFilename: name, DebugID: "AAA1", Version: 1}, []byte("x"), false))
	}
	get := func(name string) {
		res, err := c.Get(Key{DebugFilename: name, DebugID: "AAA1", Version: 1})
		require.NoError(t, err)
		res.Release()
	}

	put("A")
	put("B")
	put("C")
	get("A") // A becomes most-recently-used

	put("D") // triggers eviction down to low-water (3 units)

	a, _ := c.Get(Key{DebugFilename: "A", DebugID: "AAA1", Version: 1})
	b, _ := c.Get(Key{DebugFilename: "B", DebugID: "AAA1", Version: 1})
	cc, _ := c.Get(Key{DebugFilename: "C", DebugID: "AAA1", Version: 1})
	d, _ := c.Get(Key{DebugFilename: "D", DebugID: "AAA1", Version: 1})

	assert.Equal(t, Miss, b.Status, "B should have been evicted as least-recently-used")
	assert.Equal(t, Hit, a.Status)
	assert.Equal(t, Hit, cc.Status)
	assert.Equal(t, Hit, d.Status)
}

func TestPinnedEntrySurvivesEviction(t *testing.T) {
	c := newTestCache(t, 2, 1)
	keyA := Key{DebugFilename: "A", DebugID: "AAA1", Version: 1}
	keyB := Key{DebugFilename: "B", DebugID: "AAA1", Version: 1}

	require.NoError(t, c.Put(keyA, []byte("x"), false))
	held, err := c.Get(keyA)
	require.NoError(t, err)
	require.Equal(t, Hit, held.Status)
	// held is not Released yet: A is pinned against eviction.

	// B pushes usage to 3 bytes, over the 2-byte cap: eviction runs.
	require.NoError(t, c.Put(keyB, []byte("yy"), false))

	a, err := c.Get(keyA)
	require.NoError(t, err)
	assert.Equal(t, Hit, a.Status, "pinned entry must survive eviction while referenced")
	a.Release()
	held.Release()
}

func TestWarmScanRemovesLeftoverTmpFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tmp"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tmp", "stale-uuid"), []byte("partial"), 0o644))

	_, err := New(Config{Root: root, MaxBytes: 1 << 20, LowWaterByte: 1 << 19, NegativeTTL: time.Hour}, zaptest.NewLogger(t), noopMetrics{})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWarmScanRebuildsIndexFromDisk(t *testing.T) {
	root := t.TempDir()
	c1, err := New(Config{Root: root, MaxBytes: 1 << 20, LowWaterByte: 1 << 19, NegativeTTL: time.Hour}, zaptest.NewLogger(t), noopMetrics{})
	require.NoError(t, err)
	key := Key{DebugFilename: "xul.pdb", DebugID: "AAA1", Version: 1}
	require.NoError(t, c1.Put(key, []byte("blob"), false))

	c2, err := New(Config{Root: root, MaxBytes: 1 << 20, LowWaterByte: 1 << 19, NegativeTTL: time.Hour}, zaptest.NewLogger(t), noopMetrics{})
	require.NoError(t, err)

	res, err := c2.Get(key)
	require.NoError(t, err)
	assert.Equal(t, Hit, res.Status)
	assert.Equal(t, []byte("blob"), res.Bytes)
}

func TestKeyShardIsStableAndCapsFanout(t *testing.T) {
	k := Key{DebugFilename: "xul.pdb", DebugID: "aaa1", Version: 1}
	assert.Len(t, k.shard(), 2)
	assert.Equal(t, k.shard(), k.shard())
}

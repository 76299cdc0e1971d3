package fetch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mozilla-services/eliot/internal/metrics"
	"github.com/mozilla-services/eliot/internal/symerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopMetrics struct{}

func (noopMetrics) Timing(string, time.Duration, ...string) {}
func (noopMetrics) Count(string, int64, ...string)          {}
func (noopMetrics) Gauge(string, float64, ...string)        {}

var _ metrics.Client = noopMetrics{}

func fakeSource(name string, fn fetchFunc) *Source {
	return &Source{name: name, fetch: fn}
}

func newFastDownloader(sources []*Source, retries int) *Downloader {
	return New(Config{
		Sources:        sources,
		AttemptTimeout: time.Second,
		ModuleBudget:   5 * time.Second,
		Retries:        retries,
	}, noopMetrics{})
}

func TestDownloadSucceedsOnFirstSource(t *testing.T) {
	src := fakeSource("a", func(ctx context.Context, key string) ([]byte, error) {
		assert.Equal(t, "xul.pdb/AAA1/xul.sym", key)
		return []byte("symbols"), nil
	})
	d := newFastDownloader([]*Source{src}, 3)

	data, err := d.Download(context.Background(), "xul.pdb", "AAA1")
	require.NoError(t, err)
	assert.Equal(t, []byte("symbols"), data)
}

func TestDownloadAdvancesOnNotFound(t *testing.T) {
	var calledB int64
	a := fakeSource("a", func(ctx context.Context, key string) ([]byte, error) {
		return nil, symerr.NotFound("not_found", errors.New("404"))
	})
	b := fakeSource("b", func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt64(&calledB, 1)
		return []byte("found on b"), nil
	})
	d := newFastDownloader([]*Source{a, b}, 3)

	data, err := d.Download(context.Background(), "xul.pdb", "AAA1")
	require.NoError(t, err)
	assert.Equal(t, []byte("found on b"), data)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calledB))
}

func TestDownloadNotFoundAfterAllSourcesExhausted(t *testing.T) {
	a := fakeSource("a", func(ctx context.Context, key string) ([]byte, error) {
		return nil, symerr.NotFound("not_found", errors.New("404"))
	})
	b := fakeSource("b", func(ctx context.Context, key string) ([]byte, error) {
		return nil, symerr.NotFound("not_found", errors.New("404"))
	})
	d := newFastDownloader([]*Source{a, b}, 3)

	_, err := d.Download(context.Background(), "missing.pdb", "DEADBEEF")
	require.Error(t, err)
	assert.Equal(t, symerr.KindNotFound, symerr.KindOf(err))
}

func TestDownloadRetriesTransientThenSucceeds(t *testing.T) {
	var attempts int64
	src := fakeSource("a", func(ctx context.Context, key string) ([]byte, error) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 3 {
			return nil, symerr.Transient("download_error", errors.New("503"))
		}
		return []byte("ok"), nil
	})
	d := New(Config{
		Sources:        []*Source{src},
		AttemptTimeout: time.Second,
		ModuleBudget:   5 * time.Second,
		Retries:        3,
	}, noopMetrics{})

	data, err := d.Download(context.Background(), "xul.pdb", "AAA1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
}

func TestDownloadTransientErrorAfterRetriesExhausted(t *testing.T) {
	var attempts int64
	src := fakeSource("a", func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, symerr.Transient("download_error", errors.New("503"))
	})
	d := newFastDownloader([]*Source{src}, 2)

	_, err := d.Download(context.Background(), "xul.pdb", "AAA1")
	require.Error(t, err)
	assert.Equal(t, symerr.KindTransient, symerr.KindOf(err))
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts)) // 1 initial + 2 retries
}

func TestDownloadRespectsModuleBudget(t *testing.T) {
	src := fakeSource("a", func(ctx context.Context, key string) ([]byte, error) {
		<-ctx.Done()
		return nil, symerr.Transient("download_error", ctx.Err())
	})
	d := New(Config{
		Sources:        []*Source{src},
		AttemptTimeout: time.Second,
		ModuleBudget:   20 * time.Millisecond,
		Retries:        5,
	}, noopMetrics{})

	_, err := d.Download(context.Background(), "xul.pdb", "AAA1")
	require.Error(t, err)
}

func TestSymKeyUsesSymExtension(t *testing.T) {
	assert.Equal(t, "xul.pdb/AAA1/xul.sym", symKey("xul.pdb", "AAA1"))
	assert.Equal(t, "libfoo.so/BBB2/libfoo.sym", symKey("libfoo.so", "BBB2"))
}

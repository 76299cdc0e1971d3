package symbolicator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mozilla-services/eliot/internal/diskcache"
	"github.com/mozilla-services/eliot/internal/fetch"
	"github.com/mozilla-services/eliot/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type noopMetrics struct{}

func (noopMetrics) Timing(string, time.Duration, ...string) {}
func (noopMetrics) Count(string, int64, ...string)          {}
func (noopMetrics) Gauge(string, float64, ...string)        {}

var _ metrics.Client = noopMetrics{}

const basicSym = "MODULE Linux x86_64 AAAA0 xul.pdb\n" +
	"FILE 7 src/foo.cpp\n" +
	"FUNC 1200 100 0 foo\n" +
	"1234 8 2a 7\n"

// fakeSymbolServer serves basicSym for "/xul.pdb/AAAA0/xul.sym" and 404
// for anything else, standing in for an upstream symbol store.
func fakeSymbolServer(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt64(hits, 1)
		}
		if r.URL.Path == "/xul.pdb/AAAA0/xul.sym" {
			w.Write([]byte(basicSym))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
}

func newTestSymbolicator(t *testing.T, serverURL string) *Symbolicator {
	t.Helper()
	cache, err := diskcache.New(diskcache.Config{
		Root:         t.TempDir(),
		MaxBytes:     1 << 20,
		LowWaterByte: 1 << 19,
		NegativeTTL:  time.Hour,
	}, zaptest.NewLogger(t), noopMetrics{})
	require.NoError(t, err)

	sources, err := fetch.NewSources(context.Background(), []string{serverURL})
	require.NoError(t, err)

	downloader := fetch.New(fetch.Config{
		Sources:        sources,
		AttemptTimeout: time.Second,
		ModuleBudget:   5 * time.Second,
		Retries:        2,
	}, noopMetrics{})

	return New(Config{
		Cache:              cache,
		Downloader:         downloader,
		RequestConcurrency: 4,
	}, zaptest.NewLogger(t), noopMetrics{})
}

func TestSymbolicateBasicLookup(t *testing.T) {
	srv := fakeSymbolServer(t, nil)
	defer srv.Close()
	s := newTestSymbolicator(t, srv.URL)

	job := Job{
		MemoryMap: []ModuleRef{{DebugFilename: "xul.pdb", DebugID: "AAAA0"}},
		Stacks:    [][]FrameRequest{{{ModuleIndex: 0, AddressOffset: 0x1234}}},
	}

	result := s.Symbolicate(context.Background(), job, "v5")
	require.Len(t, result.Stacks, 1)
	require.Len(t, result.Stacks[0], 1)
	frame := result.Stacks[0][0]
	assert.False(t, frame.Unresolved)
	require.Len(t, frame.Frames, 1)
	assert.Equal(t, "foo", frame.Frames[0].Function)
	assert.Equal(t, "src/foo.cpp", frame.Frames[0].File)
	assert.Equal(t, uint32(42), frame.Frames[0].Line)
	assert.True(t, result.FoundModules["xul.pdb/AAAA0"])
}

func TestSymbolicateUnknownModule(t *testing.T) {
	srv := fakeSymbolServer(t, nil)
	defer srv.Close()
	s := newTestSymbolicator(t, srv.URL)

	job := Job{
		MemoryMap: []ModuleRef{{DebugFilename: "missing.pdb", DebugID: "DEADBEEF"}},
		Stacks:    [][]FrameRequest{{{ModuleIndex: 0, AddressOffset: 0x10}}},
	}

	result := s.Symbolicate(context.Background(), job, "v5")
	frame := result.Stacks[0][0]
	assert.True(t, frame.Unresolved)
	assert.Equal(t, "debug_id_missing", frame.MissingReason)
	assert.False(t, result.FoundModules["missing.pdb/DEADBEEF"])
}

func TestSymbolicateNoModuleSentinel(t *testing.T) {
	srv := fakeSymbolServer(t, nil)
	defer srv.Close()
	s := newTestSymbolicator(t, srv.URL)

	job := Job{
		MemoryMap: nil,
		Stacks:    [][]FrameRequest{{{ModuleIndex: -1, AddressOffset: 0x10}}},
	}

	result := s.Symbolicate(context.Background(), job, "v4")
	assert.True(t, result.Stacks[0][0].Unresolved)
}

func TestSymbolicateOffsetOutOfRangeNotUnresolved(t *testing.T) {
	srv := fakeSymbolServer(t, nil)
	defer srv.Close()
	s := newTestSymbolicator(t, srv.URL)

	job := Job{
		MemoryMap: []ModuleRef{{DebugFilename: "xul.pdb", DebugID: "AAAA0"}},
		Stacks:    [][]FrameRequest{{{ModuleIndex: 0, AddressOffset: 0xffffff}}},
	}

	result := s.Symbolicate(context.Background(), job, "v5")
	frame := result.Stacks[0][0]
	assert.False(t, frame.Unresolved)
	assert.Empty(t, frame.Frames)
}

func TestSymbolicateDedupesDuplicateModuleReferences(t *testing.T) {
	var hits int64
	srv := fakeSymbolServer(t, &hits)
	defer srv.Close()
	s := newTestSymbolicator(t, srv.URL)

	job := Job{
		MemoryMap: []ModuleRef{
			{DebugFilename: "xul.pdb", DebugID: "AAAA0"},
			{DebugFilename: "xul.pdb", DebugID: "AAAA0"},
		},
		Stacks: [][]FrameRequest{
			{{ModuleIndex: 0, AddressOffset: 0x1234}, {ModuleIndex: 1, AddressOffset: 0x1234}},
		},
	}

	result := s.Symbolicate(context.Background(), job, "v5")
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
	assert.Equal(t, "foo", result.Stacks[0][0].Frames[0].Function)
	assert.Equal(t, "foo", result.Stacks[0][1].Frames[0].Function)
}

func TestSymbolicatePreservesOrder(t *testing.T) {
	srv := fakeSymbolServer(t, nil)
	defer srv.Close()
	s := newTestSymbolicator(t, srv.URL)

	job := Job{
		MemoryMap: []ModuleRef{{DebugFilename: "xul.pdb", DebugID: "AAAA0"}},
		Stacks: [][]FrameRequest{
			{{ModuleIndex: 0, AddressOffset: 0x1234}, {ModuleIndex: -1, AddressOffset: 0}},
			{{ModuleIndex: -1, AddressOffset: 0}},
		},
	}

	result := s.Symbolicate(context.Background(), job, "v4")
	require.Len(t, result.Stacks, 2)
	require.Len(t, result.Stacks[0], 2)
	assert.False(t, result.Stacks[0][0].Unresolved)
	assert.True(t, result.Stacks[0][1].Unresolved)
	assert.True(t, result.Stacks[1][0].Unresolved)
}

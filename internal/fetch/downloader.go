package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mozilla-services/eliot/internal/metrics"
	"github.com/mozilla-services/eliot/internal/symerr"
)

// Downloader fetches a module's .sym artifact from an ordered list of
// upstream sources (spec.md §4.3), retrying transient failures per
// source before advancing, and giving up with not_found only once every
// source has been exhausted.
type Downloader struct {
	sources        []*Source
	attemptTimeout time.Duration
	moduleBudget   time.Duration
	retries        int
	metrics        metrics.Client
}

// Config configures a Downloader.
type Config struct {
	Sources        []*Source
	AttemptTimeout time.Duration
	ModuleBudget   time.Duration
	Retries        int
}

// New constructs a Downloader from already-built sources (see
// NewSources).
func New(cfg Config, m metrics.Client) *Downloader {
	return &Downloader{
		sources:        cfg.Sources,
		attemptTimeout: cfg.AttemptTimeout,
		moduleBudget:   cfg.ModuleBudget,
		retries:        cfg.Retries,
		metrics:        m,
	}
}

// Download fetches the .sym bytes for (debugFilename, debugID), trying
// each configured source in order. It returns a symerr with
// KindNotFound if every source reports the artifact missing, or
// KindTransient if retries are exhausted against every source without a
// definitive not_found.
func (d *Downloader) Download(ctx context.Context, debugFilename, debugID string) ([]byte, error) {
	start := time.Now()
	data, err := d.download(ctx, debugFilename, debugID)
	tag := "success"
	if err != nil {
		tag = "fail"
	}
	d.metrics.Timing("downloader.download", time.Since(start), "response:"+tag)
	return data, err
}

func (d *Downloader) download(ctx context.Context, debugFilename, debugID string) ([]byte, error) {
	if d.moduleBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.moduleBudget)
		defer cancel()
	}

	key := symKey(debugFilename, debugID)

	var lastErr error = symerr.NotFound("not_found", nil)
	for _, src := range d.sources {
		data, err := d.fetchWithRetry(ctx, src, key)
		if err == nil {
			return data, nil
		}
		if symerr.KindOf(err) == symerr.KindNotFound {
			lastErr = err
			continue
		}
		// Transient: this source exhausted its retries. Advance to the
		// next source per spec.md §4.3, remembering the failure in case
		// every remaining source also fails.
		lastErr = err
	}
	return nil, lastErr
}

// fetchWithRetry retries a single source up to d.retries times with
// jittered exponential backoff (100ms base, 2x factor, +/-25% jitter)
// on a transient error; a not_found result is definitive and never
// retried.
func (d *Downloader) fetchWithRetry(ctx context.Context, src *Source, key string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.25

	return backoff.Retry(ctx, func() ([]byte, error) {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if d.attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d.attemptTimeout)
			defer cancel()
		}

		data, err := src.fetch(attemptCtx, key)
		if err == nil {
			return data, nil
		}
		if symerr.KindOf(err) == symerr.KindNotFound {
			// Permanent for this source: stop retrying.
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.retries)+1),
	)
}

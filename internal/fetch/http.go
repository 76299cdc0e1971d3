package fetch

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/mozilla-services/eliot/internal/symerr"
)

// newHTTPClient returns a client with redirects followed (default
// behavior) and no overall timeout of its own; per-attempt timeouts are
// applied via the request context in Downloader.fetchWithRetry.
func newHTTPClient() *http.Client {
	return &http.Client{}
}

// httpGet performs a single GET, decoding gzip content-encoding if
// present (spec.md §4.3: "compressed variants resolved after decoding
// HTTP content-encoding"). A 404 classifies as KindNotFound (advance to
// the next source, no retry); any other status than 200, or a transport
// error, classifies as KindTransient (retryable).
func httpGet(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, symerr.Internal("bad_request", err)
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := client.Do(req)
	if err != nil {
		return nil, symerr.Transient("download_error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, symerr.NotFound("not_found", fmt.Errorf("%s: 404", url))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, symerr.Transient("download_error", fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode))
	}

	reader := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, symerr.Transient("download_error", err)
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, symerr.Transient("download_error", err)
	}
	return data, nil
}

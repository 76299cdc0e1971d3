// Package fetch implements the downloader (spec.md §4.3): an ordered list
// of upstream symbol sources, each queried in turn for a module's .sym
// artifact, with per-attempt timeouts, retry-with-backoff on transient
// failure, and a per-module wall-clock budget.
//
// Grounded on the teacher's fetch-closure store pattern
// (symbolicatorprocessor/store.go, proguardprocessor/store.go): each
// source is a `func(ctx, key) ([]byte, error)` closure built once at
// startup from its scheme-specific client, so the downloader itself
// never branches on scheme after construction.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mozilla-services/eliot/internal/symerr"
)

// fetchFunc retrieves the raw bytes at key ("debug_filename/debug_id/sym_filename"),
// or a symerr-classified error (KindNotFound for a missing object,
// KindTransient for anything retryable).
type fetchFunc func(ctx context.Context, key string) ([]byte, error)

// Source is one upstream symbol store, queried in configured order.
type Source struct {
	name  string
	fetch fetchFunc
}

// NewSources builds one Source per configured URL/bucket prefix. Entries
// beginning with "s3://" or "gcs://" are bucket references (teacher's
// S3SourceMapConfiguration/GCSStoreConfiguration shape, collapsed into a
// single URL string since this service has no YAML config section to
// carry separate fields); anything else is treated as an HTTP(S) URL
// prefix.
func NewSources(ctx context.Context, rawSources []string) ([]*Source, error) {
	sources := make([]*Source, 0, len(rawSources))
	for _, raw := range rawSources {
		src, err := newSource(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("fetch: configuring source %q: %w", raw, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func newSource(ctx context.Context, raw string) (*Source, error) {
	switch {
	case strings.HasPrefix(raw, "s3://"):
		return newS3Source(ctx, raw)
	case strings.HasPrefix(raw, "gcs://"):
		return newGCSSource(ctx, raw)
	default:
		return newHTTPSource(raw)
	}
}

func newHTTPSource(prefix string) (*Source, error) {
	if _, err := url.Parse(prefix); err != nil {
		return nil, err
	}
	prefix = strings.TrimSuffix(prefix, "/")
	client := newHTTPClient()
	return &Source{
		name: prefix,
		fetch: func(ctx context.Context, key string) ([]byte, error) {
			return httpGet(ctx, client, prefix+"/"+key)
		},
	}, nil
}

// bucketAndPrefix splits "s3://bucket/some/prefix" into ("bucket",
// "some/prefix").
func bucketAndPrefix(raw, scheme string) (bucket, prefix string) {
	trimmed := strings.TrimPrefix(raw, scheme)
	parts := strings.SplitN(trimmed, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix
}

func newS3Source(ctx context.Context, raw string) (*Source, error) {
	bucket, prefix := bucketAndPrefix(raw, "s3://")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg)

	return &Source{
		name: raw,
		fetch: func(ctx context.Context, key string) ([]byte, error) {
			objectKey := strings.TrimPrefix(joinKey(prefix, key), "/")
			result, err := client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(objectKey),
			})
			if err != nil {
				return nil, classifyS3Error(err)
			}
			defer result.Body.Close()
			return io.ReadAll(result.Body)
		},
	}, nil
}

func newGCSSource(ctx context.Context, raw string) (*Source, error) {
	bucket, prefix := bucketAndPrefix(raw, "gcs://")

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	bkt := client.Bucket(bucket)

	return &Source{
		name: raw,
		fetch: func(ctx context.Context, key string) ([]byte, error) {
			objectKey := strings.TrimPrefix(joinKey(prefix, key), "/")
			r, err := bkt.Object(objectKey).NewReader(ctx)
			if err != nil {
				return nil, classifyGCSError(err)
			}
			defer r.Close()
			return io.ReadAll(r)
		},
	}, nil
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}

// symKey builds the "{debug_filename}/{debug_id}/{sym_filename}" path
// template spec.md §4.3 describes, where sym_filename is debug_filename
// with its extension swapped for ".sym".
func symKey(debugFilename, debugID string) string {
	symFilename := strings.TrimSuffix(debugFilename, filepathExt(debugFilename)) + ".sym"
	return debugFilename + "/" + debugID + "/" + symFilename
}

func filepathExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

func classifyS3Error(err error) error {
	if isNoSuchKey(err) {
		return symerr.NotFound("not_found", err)
	}
	return symerr.Transient("download_error", err)
}

func classifyGCSError(err error) error {
	if err == storage.ErrObjectNotExist {
		return symerr.NotFound("not_found", err)
	}
	return symerr.Transient("download_error", err)
}

func isNoSuchKey(err error) bool {
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}

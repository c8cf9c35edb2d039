package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local directory driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver, used by tests
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/ecoreservices/bulkboard/internal/metrics"
)

// bucketStore serves every backend through gocloud.dev's portable blob API.
type bucketStore struct {
	bucket  *blob.Bucket
	prefix  string
	display string
}

var _ Store = (*bucketStore)(nil)

func newBucketStore(ctx context.Context, cfg Config) (*bucketStore, error) {
	openURL, display, err := bucketURL(cfg)
	if err != nil {
		return nil, err
	}

	bucket, err := blob.OpenBucket(ctx, openURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", display, err)
	}

	return &bucketStore{
		bucket:  bucket,
		prefix:  cfg.Prefix,
		display: display,
	}, nil
}

// bucketURL builds the gocloud.dev URL for the configured backend.
// The s3 form works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func bucketURL(cfg Config) (openURL, display string, err error) {
	switch cfg.Backend {
	case "gcs":
		if cfg.Bucket == "" {
			return "", "", fmt.Errorf("gcs backend requires a bucket name")
		}
		u := fmt.Sprintf("gs://%s", cfg.Bucket)
		return u, u, nil

	case "s3":
		if cfg.Bucket == "" {
			return "", "", fmt.Errorf("s3 backend requires a bucket name")
		}
		display = fmt.Sprintf("s3://%s", cfg.Bucket)
		params := url.Values{}
		if cfg.Region != "" {
			params.Set("region", cfg.Region)
		}
		if cfg.Endpoint != "" {
			params.Set("endpoint", cfg.Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		openURL = display
		if len(params) > 0 {
			openURL = openURL + "?" + params.Encode()
		}
		return openURL, display, nil

	case "local":
		if cfg.LocalDir == "" {
			return "", "", fmt.Errorf("local backend requires a directory")
		}
		abs, err := filepath.Abs(cfg.LocalDir)
		if err != nil {
			return "", "", fmt.Errorf("resolve local dir %s: %w", cfg.LocalDir, err)
		}
		display = fmt.Sprintf("file://%s", abs)
		return display + "?create_dir=true", display, nil

	case "mem":
		return "mem://", "mem://" + cfg.Bucket, nil

	default:
		return "", "", fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func (b *bucketStore) key(key string) string {
	return b.prefix + key
}

func (b *bucketStore) Put(ctx context.Context, key string, data []byte) error {
	k := b.key(key)

	w, err := b.bucket.NewWriter(ctx, k, nil)
	if err != nil {
		metrics.Get().IncStorageErrors("put")
		return fmt.Errorf("create writer for %s: %w", k, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		metrics.Get().IncStorageErrors("put")
		return fmt.Errorf("write %s: %w", k, err)
	}
	if err := w.Close(); err != nil {
		metrics.Get().IncStorageErrors("put")
		return fmt.Errorf("close writer for %s: %w", k, err)
	}
	return nil
}

func (b *bucketStore) Get(ctx context.Context, key string) ([]byte, error) {
	k := b.key(key)

	r, err := b.bucket.NewReader(ctx, k, nil)
	if err != nil {
		// Absence is an expected answer here, not a storage failure.
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		metrics.Get().IncStorageErrors("get")
		return nil, fmt.Errorf("open reader for %s: %w", k, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		metrics.Get().IncStorageErrors("get")
		return nil, fmt.Errorf("read %s: %w", k, err)
	}
	return data, nil
}

func (b *bucketStore) Exists(ctx context.Context, key string) (bool, error) {
	return b.bucket.Exists(ctx, b.key(key))
}

func (b *bucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	iter := b.bucket.List(&blob.ListOptions{Prefix: b.key(prefix)})

	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			metrics.Get().IncStorageErrors("list")
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, b.prefix))
	}
	return keys, nil
}

func (b *bucketStore) Delete(ctx context.Context, key string) error {
	k := b.key(key)

	if err := b.bucket.Delete(ctx, k); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		metrics.Get().IncStorageErrors("delete")
		return fmt.Errorf("delete %s: %w", k, err)
	}
	return nil
}

func (b *bucketStore) URI(key string) string {
	return b.display + "/" + b.key(key)
}

func (b *bucketStore) Close() error {
	if b.bucket != nil {
		return b.bucket.Close()
	}
	return nil
}

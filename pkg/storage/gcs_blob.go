package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSBlob is the Blob adapter backed by Google Cloud Storage, for
// deployments that prefer GCS over S3. Like S3Blob, values are
// content-addressed and deduplicated under the hood.
type GCSBlob struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSBlobConfig configures a GCSBlob adapter.
type GCSBlobConfig struct {
	Bucket string
	Prefix string
}

// NewGCSBlob builds a Blob adapter backed by GCS, using application
// default credentials.
func NewGCSBlob(ctx context.Context, cfg GCSBlobConfig) (*GCSBlob, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: new gcs client: %w", err)
	}
	return &GCSBlob{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCSBlob) objectKey(hash string) (string, error) {
	if !strings.HasPrefix(hash, "sha256:") {
		return "", fmt.Errorf("storage: invalid blob hash %q", hash)
	}
	return g.prefix + "blobs/" + hash[len("sha256:"):] + ".blob", nil
}

func (g *GCSBlob) pointerKey(namespace, key string) string {
	return g.prefix + "index/" + namespace + "/" + key
}

// Get retrieves the value stored under namespace/key.
func (g *GCSBlob) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	hash, ok, err := g.readPointer(ctx, namespace, key)
	if err != nil || !ok {
		return nil, false, err
	}

	objKey, err := g.objectKey(hash)
	if err != nil {
		return nil, false, err
	}
	reader, err := g.client.Bucket(g.bucket).Object(objKey).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: gcs get %s/%s: %w", namespace, key, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, fmt.Errorf("storage: gcs read %s/%s: %w", namespace, key, err)
	}
	return data, true, nil
}

// Set stores value under namespace/key, writing the content object only if
// it isn't already present under that hash.
func (g *GCSBlob) Set(ctx context.Context, namespace, key string, value []byte) error {
	hash := contentHash(value)
	objKey, err := g.objectKey(hash)
	if err != nil {
		return err
	}

	obj := g.client.Bucket(g.bucket).Object(objKey)
	if _, err := obj.Attrs(ctx); err != nil {
		w := obj.NewWriter(ctx)
		w.ContentType = "application/octet-stream"
		if _, err := w.Write(value); err != nil {
			_ = w.Close()
			return fmt.Errorf("storage: gcs write %s/%s: %w", namespace, key, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("storage: gcs close %s/%s: %w", namespace, key, err)
		}
	}

	w := g.client.Bucket(g.bucket).Object(g.pointerKey(namespace, key)).NewWriter(ctx)
	if _, err := w.Write([]byte(hash)); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: gcs write pointer %s/%s: %w", namespace, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: gcs close pointer %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes namespace/key's pointer. The underlying content object is
// left in place since other keys may reference the same hash.
func (g *GCSBlob) Delete(ctx context.Context, namespace, key string) error {
	err := g.client.Bucket(g.bucket).Object(g.pointerKey(namespace, key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("storage: gcs delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns the keys in namespace whose name starts with prefix.
func (g *GCSBlob) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	root := g.prefix + "index/" + namespace + "/"
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: root + prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: gcs list %s/%s: %w", namespace, prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, root))
	}
	return keys, nil
}

func (g *GCSBlob) readPointer(ctx context.Context, namespace, key string) (string, bool, error) {
	reader, err := g.client.Bucket(g.bucket).Object(g.pointerKey(namespace, key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("storage: gcs get pointer %s/%s: %w", namespace, key, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", false, fmt.Errorf("storage: gcs read pointer %s/%s: %w", namespace, key, err)
	}
	return string(data), true, nil
}

// Close releases the underlying GCS client.
func (g *GCSBlob) Close() error {
	return g.client.Close()
}

package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Blob is the Blob adapter backed by AWS S3 (or an S3-compatible endpoint
// such as MinIO). Values are content-addressed and deduplicated under the
// hood: Set writes the value once under its sha256 hash and points
// namespace/key at that hash, so two keys holding identical bytes share one
// object.
type S3Blob struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3BlobConfig configures an S3Blob adapter.
type S3BlobConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Blob builds a Blob adapter backed by S3.
func NewS3Blob(ctx context.Context, cfg S3BlobConfig) (*S3Blob, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Blob{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (s *S3Blob) objectKey(hash string) (string, error) {
	if !strings.HasPrefix(hash, "sha256:") {
		return "", fmt.Errorf("storage: invalid blob hash %q", hash)
	}
	return s.prefix + "blobs/" + hash[len("sha256:"):] + ".blob", nil
}

func (s *S3Blob) pointerKey(namespace, key string) string {
	return s.prefix + "index/" + namespace + "/" + key
}

// Get retrieves the value stored under namespace/key.
func (s *S3Blob) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	hash, ok, err := s.readPointer(ctx, namespace, key)
	if err != nil || !ok {
		return nil, false, err
	}

	objKey, err := s.objectKey(hash)
	if err != nil {
		return nil, false, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(objKey)})
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: s3 get %s/%s: %w", namespace, key, err)
	}
	defer result.Body.Close()
	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, false, fmt.Errorf("storage: s3 read %s/%s: %w", namespace, key, err)
	}
	return data, true, nil
}

// Set stores value under namespace/key, writing the content object only if
// it isn't already present under that hash.
func (s *S3Blob) Set(ctx context.Context, namespace, key string, value []byte) error {
	hash := contentHash(value)
	objKey, err := s.objectKey(hash)
	if err != nil {
		return err
	}

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(objKey)}); err != nil {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(objKey),
			Body:        bytes.NewReader(value),
			ContentType: aws.String("application/octet-stream"),
		})
		if err != nil {
			return fmt.Errorf("storage: s3 put %s/%s: %w", namespace, key, err)
		}
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.pointerKey(namespace, key)),
		Body:   strings.NewReader(hash),
	})
	if err != nil {
		return fmt.Errorf("storage: s3 put pointer %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes namespace/key's pointer. The underlying content object is
// left in place since other keys may reference the same hash.
func (s *S3Blob) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.pointerKey(namespace, key))})
	if err != nil {
		return fmt.Errorf("storage: s3 delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns the keys in namespace whose name starts with prefix.
func (s *S3Blob) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	root := s.prefix + "index/" + namespace + "/"
	full := root + prefix

	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(full),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("storage: s3 list %s/%s: %w", namespace, prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), root))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

func (s *S3Blob) readPointer(ctx context.Context, namespace, key string) (string, bool, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.pointerKey(namespace, key))})
	if err != nil {
		if isS3NotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("storage: s3 get pointer %s/%s: %w", namespace, key, err)
	}
	defer result.Body.Close()
	data, err := io.ReadAll(result.Body)
	if err != nil {
		return "", false, fmt.Errorf("storage: s3 read pointer %s/%s: %w", namespace, key, err)
	}
	return string(data), true, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

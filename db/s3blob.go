package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"eve.evalgo.org/engineerr"
)

// InlineOutputLimit is the byte threshold above which a NodeInstance's
// Output is spilled to blob storage instead of being stored inline in
// node_instances.output (§4.1: node outputs are unbounded and a single
// oversized task result must not bloat the hot-path table or its indexes).
const InlineOutputLimit = 32 * 1024

// BlobRef is what gets written to node_instances.output in place of the
// value itself once it has been spilled.
type BlobRef struct {
	Spilled bool   `json:"spilled"`
	Bucket  string `json:"bucket,omitempty"`
	Key     string `json:"key,omitempty"`
}

// BlobStore spills oversized node outputs to S3 (or an S3-compatible
// endpoint such as Hetzner's, per the teacher's semantic/s3.go
// bucket/object model) and fetches them back on read.
type BlobStore struct {
	client *s3.Client
	bucket string
}

// NewBlobStore builds an S3 client from the standard AWS config chain
// (environment, shared config, or an explicit endpoint override), mirroring
// the credential discovery the teacher leaves implicit in semantic/s3.go's
// NewS3Bucket constructor.
func NewBlobStore(ctx context.Context, bucket, endpoint, region string) (*BlobStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &BlobStore{client: client, bucket: bucket}, nil
}

// Put uploads value (JSON-encoded) under key and returns a BlobRef.
func (b *BlobStore) Put(ctx context.Context, key string, value interface{}) (*BlobRef, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, engineerr.Validation("failed to marshal blob payload: %v", err)
	}

	uploader := manager.NewUploader(b.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, engineerr.Storage(err, "failed to upload blob %q", key)
	}

	return &BlobRef{Spilled: true, Bucket: b.bucket, Key: key}, nil
}

// Get downloads and JSON-decodes the blob referenced by ref into out.
func (b *BlobStore) Get(ctx context.Context, ref *BlobRef, out interface{}) error {
	downloader := manager.NewDownloader(b.client)
	buf := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return engineerr.Storage(err, "failed to download blob %q", ref.Key)
	}
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return engineerr.Storage(err, "failed to unmarshal blob %q", ref.Key)
	}
	return nil
}

// Delete removes a spilled blob. Nothing in the module calls it; spilled
// blobs are not removed automatically.
func (b *BlobStore) Delete(ctx context.Context, ref *BlobRef) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return engineerr.Storage(err, "failed to delete blob %q", ref.Key)
	}
	return nil
}

// SpillIfOversized returns value unchanged if its JSON encoding fits within
// InlineOutputLimit; otherwise it uploads it and returns a BlobRef for
// node_instances.output to hold instead.
func SpillIfOversized(ctx context.Context, store *BlobStore, keyPrefix string, value interface{}) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, engineerr.Validation("failed to marshal output for size check: %v", err)
	}
	if len(data) <= InlineOutputLimit || store == nil {
		return value, nil
	}
	ref, err := store.Put(ctx, keyPrefix, value)
	if err != nil {
		return nil, err
	}
	return ref, nil
}

package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/capengine/cap/pkg/capapi"
)

// S3Config configures an S3-backed blob store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint, for MinIO/LocalStack
	Prefix   string
}

// S3 is an optional durable backend for deployments that keep blobs in
// object storage rather than on local disk. Grounded directly on the
// teacher's core/pkg/artifacts/s3_store.go, adapted from SHA-256/"sha256:"
// content addressing to this protocol's BLAKE3/"0x"-prefixed blob_id and
// extended with refcount tracking (kept in an in-memory ledger; S3 itself
// has no notion of pin/unpin).
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
	refs   map[string]int
}

// NewS3 creates a new S3-backed blob store.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("blobstore/s3: load aws config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &S3{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		refs:   make(map[string]int),
	}, nil
}

func (s *S3) key(blobID string) string {
	return s.prefix + strings.TrimPrefix(blobID, "0x") + ".blob"
}

func (s *S3) Put(ctx context.Context, data []byte, mediaType string) (string, error) {
	id := BlobID(data)
	key := s.key(id)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		if _, ok := s.refs[id]; !ok {
			s.refs[id] = 0
		}
		return id, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mediaType),
	})
	if err != nil {
		return "", fmt.Errorf("blobstore/s3: put %s: %w", id, err)
	}
	if _, ok := s.refs[id]; !ok {
		s.refs[id] = 0
	}
	return id, nil
}

func (s *S3) Get(ctx context.Context, blobID string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(blobID))})
	if err != nil {
		return nil, capapi.Wrap(capapi.KindNotFound, err, "blobstore/s3: get %s", blobID)
	}
	defer func() { _ = result.Body.Close() }()
	return io.ReadAll(result.Body)
}

func (s *S3) Exists(ctx context.Context, blobID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(blobID))})
	return err == nil, nil
}

func (s *S3) Pin(_ context.Context, blobID string) error {
	s.refs[blobID]++
	return nil
}

func (s *S3) Unpin(_ context.Context, blobID string) error {
	if s.refs[blobID] > 0 {
		s.refs[blobID]--
	}
	return nil
}

func (s *S3) GC(ctx context.Context, dryRun bool) ([]string, error) {
	var removed []string
	for blobID, count := range s.refs {
		if count == 0 {
			removed = append(removed, blobID)
		}
	}
	if dryRun {
		return removed, nil
	}
	for _, blobID := range removed {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(blobID))}); err != nil {
			return removed, fmt.Errorf("blobstore/s3: delete %s: %w", blobID, err)
		}
		delete(s.refs, blobID)
	}
	return removed, nil
}

func (s *S3) List(ctx context.Context) ([]Metadata, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket), Prefix: aws.String(s.prefix)})
	if err != nil {
		return nil, fmt.Errorf("blobstore/s3: list: %w", err)
	}
	metas := make([]Metadata, 0, len(out.Contents))
	for _, obj := range out.Contents {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(obj.Key), s.prefix), ".blob")
		blobID := "0x" + name
		metas = append(metas, Metadata{BlobID: blobID, Refcount: s.refs[blobID]})
	}
	return metas, nil
}

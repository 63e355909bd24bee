package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/capengine/cap/pkg/capapi"
)

// GCSConfig configures a Google Cloud Storage-backed blob store.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCS is an optional durable backend mirroring S3's content-addressing
// scheme against Google Cloud Storage instead, for deployments already
// standardized on GCP. Grounded on the teacher's artifact-store S3
// backend, generalized to the cloud.google.com/go/storage client the
// rest of the example pack uses for GCS access.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
	refs   map[string]int
}

// NewGCS creates a new GCS-backed blob store.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore/gcs: new client: %w", err)
	}
	return &GCS{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, refs: make(map[string]int)}, nil
}

func (g *GCS) object(blobID string) *storage.ObjectHandle {
	name := g.prefix + strings.TrimPrefix(blobID, "0x") + ".blob"
	return g.client.Bucket(g.bucket).Object(name)
}

func (g *GCS) Put(ctx context.Context, data []byte, mediaType string) (string, error) {
	id := BlobID(data)
	obj := g.object(id)

	if _, err := obj.Attrs(ctx); err == nil {
		if _, ok := g.refs[id]; !ok {
			g.refs[id] = 0
		}
		return id, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = mediaType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("blobstore/gcs: write %s: %w", id, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("blobstore/gcs: close writer for %s: %w", id, err)
	}
	if _, ok := g.refs[id]; !ok {
		g.refs[id] = 0
	}
	return id, nil
}

func (g *GCS) Get(ctx context.Context, blobID string) ([]byte, error) {
	r, err := g.object(blobID).NewReader(ctx)
	if err != nil {
		return nil, capapi.Wrap(capapi.KindNotFound, err, "blobstore/gcs: get %s", blobID)
	}
	defer func() { _ = r.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("blobstore/gcs: read %s: %w", blobID, err)
	}
	return buf.Bytes(), nil
}

func (g *GCS) Exists(ctx context.Context, blobID string) (bool, error) {
	_, err := g.object(blobID).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blobstore/gcs: stat %s: %w", blobID, err)
	}
	return true, nil
}

func (g *GCS) Pin(_ context.Context, blobID string) error {
	g.refs[blobID]++
	return nil
}

func (g *GCS) Unpin(_ context.Context, blobID string) error {
	if g.refs[blobID] > 0 {
		g.refs[blobID]--
	}
	return nil
}

func (g *GCS) GC(ctx context.Context, dryRun bool) ([]string, error) {
	var removed []string
	for blobID, count := range g.refs {
		if count == 0 {
			removed = append(removed, blobID)
		}
	}
	if dryRun {
		return removed, nil
	}
	for _, blobID := range removed {
		if err := g.object(blobID).Delete(ctx); err != nil {
			return removed, fmt.Errorf("blobstore/gcs: delete %s: %w", blobID, err)
		}
		delete(g.refs, blobID)
	}
	return removed, nil
}

func (g *GCS) List(ctx context.Context) ([]Metadata, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: g.prefix})
	var out []Metadata
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blobstore/gcs: list: %w", err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(attrs.Name, g.prefix), ".blob")
		blobID := "0x" + name
		out = append(out, Metadata{BlobID: blobID, Size: int(attrs.Size), Refcount: g.refs[blobID]})
	}
	return out, nil
}

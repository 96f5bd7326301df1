package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// ObjectStore receives finished files.
type ObjectStore interface {
	Put(ctx context.Context, bucket, object string, r io.Reader) error
}

type GCSStore struct {
	client *storage.Client
}

func NewGCSStore(client *storage.Client) *GCSStore {
	return &GCSStore{client: client}
}

// Put uploads r. The object only becomes visible if the whole copy
// succeeds.
func (s *GCSStore) Put(ctx context.Context, bucket, object string, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "image/tiff"
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gs://%s/%s: %w", bucket, object, err)
	}
	return nil
}

// Catalog is a directory of named raster assets. Asset ids may contain
// slashes, which map to sub directories.
type Catalog struct {
	Root string
}

func (c Catalog) Path(id string) (string, error) {
	if c.Root == "" {
		return "", fmt.Errorf("asset %s: no catalog configured", id)
	}
	clean := filepath.Clean("/" + id)
	if clean == "/" {
		return "", fmt.Errorf("invalid asset id %q", id)
	}
	p := filepath.Join(c.Root, clean)
	if !strings.HasSuffix(p, ".tif") {
		p += ".tif"
	}
	return p, nil
}

// Exists reports whether the asset has been published.
func (c Catalog) Exists(id string) bool {
	p, err := c.Path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// EvidenceArchive implements domain.EvidenceArchive. Each settlement is
// written as one JSON document at <prefix>/<market id>/<unix nanos>.json.
type EvidenceArchive struct {
	writer domain.BlobWriter
	prefix string
	now    func() time.Time
}

// NewEvidenceArchive creates an EvidenceArchive on top of writer.
func NewEvidenceArchive(writer domain.BlobWriter, prefix string) *EvidenceArchive {
	return &EvidenceArchive{
		writer: writer,
		prefix: prefix,
		now:    time.Now,
	}
}

// Key returns the object key for a bundle archived at ts.
func (a *EvidenceArchive) Key(marketID string, ts time.Time) string {
	return path.Join(a.prefix, marketID, fmt.Sprintf("%d.json", ts.UTC().UnixNano()))
}

// Archive serializes bundle and uploads it, returning the object key.
// Bundles larger than one multipart part go through the upload manager
// when the writer supports it.
func (a *EvidenceArchive) Archive(ctx context.Context, bundle domain.EvidenceBundle) (string, error) {
	if bundle.Market.ID == "" {
		return "", fmt.Errorf("s3blob: archive: market id is required")
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: marshal: %w", bundle.Market.ID, err)
	}

	key := a.Key(bundle.Market.ID, a.now())
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(data)) > minPartSize {
		err = mw.PutMultipart(ctx, key, bytes.NewReader(data), "application/json", minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(data), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", bundle.Market.ID, err)
	}
	return key, nil
}

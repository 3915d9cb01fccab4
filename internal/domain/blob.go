package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// EvidenceArchive stores the evidence behind each settlement.
type EvidenceArchive interface {
	Archive(ctx context.Context, bundle EvidenceBundle) (string, error)
}

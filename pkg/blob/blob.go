package blob

import (
	"context"
	"io"
	"time"
)

// Meta describes a stored blob.
type Meta struct {
	Ref         string    `json:"ref"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListResponse is the wire shape of the dispatcher's blob listing.
type ListResponse struct {
	Blobs []*Meta `json:"blobs"`
	Total int     `json:"total"`
}

// Store defines the interface for blob backends. Blobs are opaque:
// bundle archives on the way in, result archives on the way out.
type Store interface {
	// Put stores the content of r under a freshly minted ref. The
	// content type is kept and served back on Get.
	Put(ctx context.Context, name, contentType string, r io.Reader) (*Meta, error)

	// Get opens a blob for reading. The caller closes the reader.
	Get(ctx context.Context, ref string) (io.ReadCloser, *Meta, error)

	// Delete removes a blob. Deleting an absent ref is not an error.
	Delete(ctx context.Context, ref string) error

	// List returns metadata for every stored blob, oldest first.
	List(ctx context.Context) ([]*Meta, error)
}

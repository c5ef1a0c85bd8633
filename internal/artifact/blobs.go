package artifact

import "context"

// Blobs is the durable object storage holding session artifacts.
type Blobs interface {
	// Exists reports whether a blob with name is stored.
	Exists(ctx context.Context, name string) (bool, error)
	// Get returns the blob content or errs.ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	// Put writes the blob, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes the blob; deleting an absent blob is not an error.
	Delete(ctx context.Context, name string) error
}

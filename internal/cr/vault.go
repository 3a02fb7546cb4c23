package cr

import (
	"context"
	"io"
)

// Vault is a secondary location that mirrors committed artifacts. Keys are
// slash-separated: "<mission id>/<artifact name>".
type Vault interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string, w io.Writer) error
	// Delete removes an object. A missing key is not an error.
	Delete(ctx context.Context, key string) error
	ValidateSetup(ctx context.Context) error
}

// Package storage defines the byte storage abstraction used by the session
// registry to persist generated artifacts.
package storage

import "context"

// BlobStore reads, writes, and deletes byte blobs keyed by a path. Failures
// surface as-is to the caller; the registry leaves session state unchanged on
// a failed write.
type BlobStore interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

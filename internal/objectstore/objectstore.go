// Package objectstore abstracts the S3-compatible bucket that holds raw
// document uploads. The gateway never proxies document bytes; clients upload
// straight to the bucket with a presigned URL and the gateway only verifies
// the object landed.
package objectstore

import (
	"context"
	"time"
)

// Grant is a time-limited permission to upload one object.
type Grant struct {
	URL       string
	Key       string
	ExpiresAt time.Time
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// Storage is the object store contract. Stat and ReadPrefix return
// sentinel.ErrNotFound when the key does not exist.
type Storage interface {
	PresignPut(ctx context.Context, key, contentType string, size int64) (*Grant, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	// ReadPrefix returns up to n leading bytes of the object, for signature
	// sniffing without downloading the whole file.
	ReadPrefix(ctx context.Context, key string, n int64) ([]byte, error)
}

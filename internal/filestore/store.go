// Package filestore implements the per-file attachment store: put/get/
// delete/list/exists over keys, pluggable by URL scheme the same way
// internal/snapshot is.
package filestore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Store is the per-file attachment contract. Keys must not contain null
// bytes or resolve outside the store root/prefix.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ErrInvalidKey is returned for a key containing a null byte or that
// would resolve outside the store's root.
var ErrInvalidKey = fmt.Errorf("filestore: invalid key")

// ValidateKey enforces the shared key-safety rule both implementations
// must apply before touching the backing store.
func ValidateKey(key string) error {
	if key == "" || strings.ContainsRune(key, 0) {
		return ErrInvalidKey
	}
	return nil
}

// Open selects an implementation from rawURL's scheme, mirroring
// internal/snapshot.Open. An empty rawURL means no file store is
// configured; callers must check for a nil Store before use.
func Open(ctx context.Context, rawURL string) (Store, error) {
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("filestore: parse store url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "", "file":
		path := rawURL
		if u.Scheme == "file" {
			path = u.Path
		}
		return newLocalStore(path)
	case "s3":
		return newS3Store(ctx, u)
	case "gs":
		return nil, fmt.Errorf("filestore: gs:// scheme is not supported in this build")
	default:
		return nil, fmt.Errorf("filestore: unrecognized store scheme %q", u.Scheme)
	}
}

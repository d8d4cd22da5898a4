// Package snapshot implements the whole-workspace SnapshotStore: a single
// compressed tarball of a session's sandbox workspace, addressed by
// sessionId, in a pluggable backend selected by the store URL's scheme.
package snapshot

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Store is the whole-workspace snapshot contract. Implementations are
// local-disk and S3; gs:// is recognized but rejected at construction
// time since no GCS client is wired in.
type Store interface {
	Upload(ctx context.Context, sessionID, tarPath string) error
	Download(ctx context.Context, sessionID, destPath string) error
	Exists(ctx context.Context, sessionID string) (bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// ErrUnavailable is returned by Download when the store holds no snapshot
// for the session. A cold resume treats it as a fresh workspace; any other
// download failure is what callers see as "snapshot-unavailable".
var ErrUnavailable = fmt.Errorf("snapshot: store unavailable")

// Open selects an implementation from rawURL's scheme:
//   - "" or "file://" or a bare path -> local directory store
//   - "s3://bucket/prefix"          -> S3-backed store
//   - "gs://..."                    -> explicitly unsupported
//
// A nil Store (rawURL == "") is valid and means local-only operation with
// no snapshot persistence; callers must check for nil before use.
func Open(ctx context.Context, rawURL string) (Store, error) {
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse store url: %w", err)
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
		// No Google Cloud Storage client is wired in; rather than
		// hand-roll unverified HTTP signing, this scheme is a documented
		// construction-time error instead of a speculative implementation.
		return nil, fmt.Errorf("snapshot: gs:// scheme is not supported in this build")
	default:
		return nil, fmt.Errorf("snapshot: unrecognized store scheme %q", u.Scheme)
	}
}

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3Store addresses snapshots as "<prefix>/<sessionId>.tar.gz" objects in
// one bucket, the bucket and prefix taken from the store URL's host and
// path (s3://bucket/prefix).
type s3Store struct {
	cli    *s3.Client
	bucket string
	prefix string
}

func newS3Store(ctx context.Context, u *url.URL) (*s3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load aws config: %w", err)
	}
	return &s3Store{
		cli:    s3.NewFromConfig(cfg),
		bucket: u.Host,
		prefix: strings.Trim(u.Path, "/"),
	}, nil
}

func (s *s3Store) key(sessionID string) string {
	if s.prefix == "" {
		return sessionID + ".tar.gz"
	}
	return s.prefix + "/" + sessionID + ".tar.gz"
}

func (s *s3Store) Upload(ctx context.Context, sessionID, tarPath string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("snapshot: open tar: %w", err)
	}
	defer f.Close()

	_, err = s.cli.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(sessionID)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("snapshot: s3 put: %w", err)
	}
	return nil
}

func (s *s3Store) Download(ctx context.Context, sessionID, destPath string) error {
	out, err := s.cli.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(sessionID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return ErrUnavailable
		}
		return fmt.Errorf("snapshot: s3 get: %w", err)
	}
	defer out.Body.Close()

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: create dest: %w", err)
	}
	defer dst.Close()

	_, err = io.Copy(dst, out.Body)
	return err
}

func (s *s3Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := s.cli.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(sessionID)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, err
}

func (s *s3Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.cli.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(sessionID)),
	})
	return err
}

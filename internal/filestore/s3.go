package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3Store prefixes every key with a configured prefix taken from the
// store URL's path (s3://bucket/prefix), the object-store analogue of
// localStore's root-relative resolution.
type s3Store struct {
	cli    *s3.Client
	bucket string
	prefix string
}

func newS3Store(ctx context.Context, u *url.URL) (*s3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("filestore: load aws config: %w", err)
	}
	return &s3Store{
		cli:    s3.NewFromConfig(cfg),
		bucket: u.Host,
		prefix: strings.Trim(u.Path, "/"),
	}, nil
}

func (s *s3Store) fullKey(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if s.prefix == "" {
		return key, nil
	}
	return s.prefix + "/" + key, nil
}

func (s *s3Store) Put(ctx context.Context, key string, r io.Reader) error {
	fullKey, err := s.fullKey(key)
	if err != nil {
		return err
	}
	_, err = s.cli.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
		Body:   r,
	})
	return err
}

func (s *s3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullKey, err := s.fullKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.cli.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	fullKey, err := s.fullKey(key)
	if err != nil {
		return err
	}
	_, err = s.cli.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	return err
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix, err := s.fullKey(prefix)
	if err != nil {
		if prefix != "" {
			return nil, err
		}
		fullPrefix = s.prefix
	}

	var out []string
	paginator := s3.NewListObjectsV2Paginator(s.cli, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			out = append(out, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix+"/"))
		}
	}
	return out, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	fullKey, err := s.fullKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.cli.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
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

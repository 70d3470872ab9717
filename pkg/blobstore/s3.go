package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ipfs/go-cid"
)

// S3 stores blobs in an object bucket using the same two-phase layout as
// the disk backend: tmp/{cid} for pending, blobs/{shard}/{cid} permanent.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3 builds the S3 backend. A custom endpoint supports S3-compatible
// stores.
func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore s3: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
	}, nil
}

func permanentKey(c cid.Cid) string {
	s := c.String()
	return "blobs/" + s[len(s)-2:] + "/" + s
}

func pendingKey(c cid.Cid) string {
	return "tmp/" + c.String()
}

// PutPending verifies the digest while buffering, then uploads. The upload
// is all-or-nothing; S3 never exposes a partial object.
func (s *S3) PutPending(ctx context.Context, c cid.Cid, r io.Reader) error {
	var buf bytes.Buffer
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(&buf, h), r); err != nil {
		return fmt.Errorf("blobstore put %s: %w", c, err)
	}
	if err := verifyDigest(c, h.Sum(nil)); err != nil {
		return err
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(pendingKey(c)),
		Body:   &buf,
	})
	if err != nil {
		return fmt.Errorf("blobstore put %s: %w", c, err)
	}
	return nil
}

// Promote server-side-copies the pending object into the permanent key and
// removes the pending one.
func (s *S3) Promote(ctx context.Context, c cid.Cid) error {
	if ok, err := s.Exists(ctx, c); err != nil {
		return err
	} else if ok {
		s.deleteKey(ctx, pendingKey(c))
		return nil
	}
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + pendingKey(c)),
		Key:        aws.String(permanentKey(c)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("blobstore promote %s: %w", c, ErrNotFound)
		}
		return fmt.Errorf("blobstore promote %s: %w", c, err)
	}
	s.deleteKey(ctx, pendingKey(c))
	return nil
}

func (s *S3) Get(ctx context.Context, c cid.Cid) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(permanentKey(c)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("blobstore get %s: %w", c, ErrNotFound)
		}
		return nil, fmt.Errorf("blobstore get %s: %w", c, err)
	}
	return out.Body, nil
}

func (s *S3) Exists(ctx context.Context, c cid.Cid) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(permanentKey(c)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore exists %s: %w", c, err)
	}
	return true, nil
}

func (s *S3) Delete(ctx context.Context, c cid.Cid) error {
	return s.deleteKey(ctx, permanentKey(c))
}

func (s *S3) deleteKey(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("blobstore delete %s: %w", key, err)
	}
	return nil
}

// SweepPending lists the tmp/ prefix and deletes stale objects.
func (s *S3) SweepPending(ctx context.Context, cutoff time.Time) (int, error) {
	reaped := 0
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String("tmp/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return reaped, fmt.Errorf("blobstore sweep: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified != nil && obj.LastModified.Before(cutoff) {
				if err := s.deleteKey(ctx, aws.ToString(obj.Key)); err == nil {
					reaped++
				}
			}
		}
	}
	return reaped, nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	return isNoSuchKey(err)
}

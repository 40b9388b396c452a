package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds construction parameters of an S3-compatible store.
type S3Config struct {
	Region    string
	Bucket    string
	Endpoint  string // optional; set for MinIO and other S3-compatible services
	PathStyle bool
}

// S3BlobStore implements BlobStore on a single S3 bucket. Keys map to object
// keys directly.
type S3BlobStore struct {
	client *s3.Client
	bucket string
}

// NewS3BlobStore creates an S3 blob store. Credentials come from the default
// AWS chain.
func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads content under key. An existing object is left untouched and
// ErrBlobExists is returned.
func (s *S3BlobStore) Put(ctx context.Context, key, contentType string, content io.Reader) (*BlobMetadata, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if _, err := s.Head(ctx, key); err == nil {
		return nil, ErrBlobExists
	} else if !errors.Is(err, ErrBlobNotFound) {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusPreconditionFailed {
			return nil, ErrBlobExists
		}
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}
	return s.Head(ctx, key)
}

// Get streams the object body. The caller closes the reader.
func (s *S3BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, nil, notFound(err)
	}
	meta := &BlobMetadata{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		Hash:        strings.Trim(aws.ToString(out.ETag), `"`),
		CreatedAt:   lastModified(out.LastModified),
	}
	return out.Body, meta, nil
}

// Head returns object metadata.
func (s *S3BlobStore) Head(ctx context.Context, key string) (*BlobMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, notFound(err)
	}
	return &BlobMetadata{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		Hash:        strings.Trim(aws.ToString(out.ETag), `"`),
		CreatedAt:   lastModified(out.LastModified),
	}, nil
}

// List pages through ListObjectsV2 and returns objects sorted by key.
func (s *S3BlobStore) List(ctx context.Context, prefix string) ([]*BlobMetadata, error) {
	var items []*BlobMetadata
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range out.Contents {
			items = append(items, &BlobMetadata{
				Key:       aws.ToString(obj.Key),
				Size:      aws.ToInt64(obj.Size),
				Hash:      strings.Trim(aws.ToString(obj.ETag), `"`),
				CreatedAt: lastModified(obj.LastModified),
			})
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func notFound(err error) error {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return ErrBlobNotFound
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
		return ErrBlobNotFound
	}
	return err
}

func lastModified(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

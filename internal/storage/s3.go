package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"pixshift/internal/apperr"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of *s3.Client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner is the subset of *s3.PresignClient used by S3Store.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type S3Store struct {
	client    S3API
	presigner Presigner
	bucket    string
	endpoint  string
	timeout   time.Duration
}

// DefaultOpTimeout bounds a single object store call.
const DefaultOpTimeout = 30 * time.Second

func NewS3Store(client S3API, presigner Presigner, bucket, endpoint string) *S3Store {
	return &S3Store{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		endpoint:  strings.TrimRight(endpoint, "/"),
		timeout:   DefaultOpTimeout,
	}
}

// WithTimeout sets the deadline applied to every object store call. Zero disables it.
func (s *S3Store) WithTimeout(d time.Duration) *S3Store {
	s.timeout = d
	return s
}

func (s *S3Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *S3Store) Put(ctx context.Context, data []byte, ownerID string, category Category, id, contentType string) (*Object, error) {
	if err := validateSegment(ownerID); err != nil {
		return nil, err
	}
	if err := validateSegment(id); err != nil {
		return nil, err
	}
	key := Key(category, ownerID, id, contentType)
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(ContentType(key)),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err))
	}
	return &Object{Key: key, URL: s.objectURL(key), ContentType: ContentType(key), Size: int64(len(data))}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, classify(fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err))
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err))
	}
	return b, nil
}

func (s *S3Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify(fmt.Errorf("presign s3://%s/%s: %w", s.bucket, key, err))
	}
	return req.URL, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify(fmt.Errorf("head s3://%s/%s: %w", s.bucket, key, err))
	}
	return true, nil
}

// Delete succeeds for absent keys. S3 itself does not error on them; some compatible stores do.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil && !isNotFound(err) {
		return classify(fmt.Errorf("delete s3://%s/%s: %w", s.bucket, key, err))
	}
	return nil
}

// ExtractKey accepts raw keys, s3://bucket/key, virtual-hosted https URLs and path-style URLs under the endpoint.
func (s *S3Store) ExtractKey(ref string) (string, bool) {
	key := ref
	switch {
	case strings.HasPrefix(ref, "s3://"+s.bucket+"/"):
		key = strings.TrimPrefix(ref, "s3://"+s.bucket+"/")
	case strings.HasPrefix(ref, "https://"+s.bucket+".s3."):
		u, err := url.Parse(ref)
		if err != nil {
			return "", false
		}
		key = strings.TrimPrefix(u.Path, "/")
	case s.endpoint != "" && strings.HasPrefix(ref, s.endpoint+"/"+s.bucket+"/"):
		key = strings.TrimPrefix(ref, s.endpoint+"/"+s.bucket+"/")
		if i := strings.IndexByte(key, '?'); i >= 0 {
			key = key[:i]
		}
	}
	if validateKey(key) != nil || !hasCategory(key) {
		return "", false
	}
	return key, true
}

func (s *S3Store) objectURL(key string) string {
	return "s3://" + s.bucket + "/" + key
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// classify marks client-side 4xx failures terminal and everything else transient.
func classify(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code >= 400 && code < 500 && code != 408 && code != 429 {
			return apperr.Terminal("storage_rejected", err)
		}
	}
	return apperr.Transient("storage_unavailable", err)
}

package objstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	pkgerrors "github.com/absmach/fedmesh/pkg/errors"
)

const (
	// DefaultPresignTTL bounds the lifetime of generated signed URLs.
	DefaultPresignTTL = time.Hour

	maxAttempts   = 3
	retryInterval = 2 * time.Second
)

// Store adapts a single bucket with S3 semantics at a custom endpoint.
// Objects are content-addressed: the key is the hex SHA-256 of the body.
// Store is stateless and safe for concurrent use.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	baseURL string
	logger  *slog.Logger
}

// Object describes one stored blob.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// New builds the store against the configured endpoint with static
// credentials.
func New(ctx context.Context, endpoint, bucket, accessKey, secretKey string, logger *slog.Logger) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build object store config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		baseURL: strings.TrimSuffix(endpoint, "/"),
		logger:  logger,
	}, nil
}

// HashBytes is the content address of a payload: hex SHA-256.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		s.logger.Warn("object store operation failed",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err))

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Join(pkgerrors.ErrStorage, ctx.Err())
		case <-time.After(time.Duration(attempt) * retryInterval):
		}
	}

	return fmt.Errorf("%w: %s: %w", pkgerrors.ErrStorage, op, err)
}

// Upload stores the payload under its content hash and returns the hash.
// Re-uploading identical bytes is a no-op, so the call is idempotent.
func (s *Store) Upload(ctx context.Context, data []byte) (string, error) {
	key := HashBytes(data)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return key, nil
	}

	err = s.withRetry(ctx, "upload", func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})

		return err
	})
	if err != nil {
		return "", err
	}

	return key, nil
}

// PresignGet signs a time-limited GET URL for the given content hash. A
// presign failure degrades to the raw base URL so the caller can retry via
// the control surface.
func (s *Store) PresignGet(ctx context.Context, hash string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}

	var url string
	err := s.withRetry(ctx, "presign", func() error {
		req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(hash),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return err
		}
		url = req.URL

		return nil
	})
	if err != nil {
		return fmt.Sprintf("%s/%s/%s", s.baseURL, s.bucket, hash), err
	}

	return url, nil
}

// Fetch reads an object's bytes by content hash.
func (s *Store) Fetch(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, "fetch", func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(hash),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)

		return err
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// List enumerates the bucket's objects.
func (s *Store) List(ctx context.Context) ([]Object, error) {
	var objects []Object
	err := s.withRetry(ctx, "list", func() error {
		objects = objects[:0]
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				o := Object{Key: aws.ToString(obj.Key)}
				if obj.Size != nil {
					o.Size = *obj.Size
				}
				if obj.LastModified != nil {
					o.LastModified = *obj.LastModified
				}
				objects = append(objects, o)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return objects, nil
}

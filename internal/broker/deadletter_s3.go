package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client the dead-letter archive uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3DeadLetterStore writes one JSON object per dead letter under bucket/prefix.
// List reads every object under the prefix, which is fine for an operator-sized
// holding area but not for bulk analytics.
type S3DeadLetterStore struct {
	client S3API
	bucket string
	prefix string
}

func NewS3DeadLetterStore(client S3API, bucket, prefix string) (*S3DeadLetterStore, error) {
	bucket = strings.TrimSpace(bucket)
	if client == nil || bucket == "" {
		return nil, ErrInvalidInput
	}
	return &S3DeadLetterStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
	}, nil
}

// NewS3DeadLetterStoreFromDSN accepts s3://bucket/prefix?region=eu-west-1&endpoint=http://minio:9000.
// Credentials come from the default AWS chain.
func NewS3DeadLetterStoreFromDSN(ctx context.Context, dsn string) (*S3DeadLetterStore, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "s3" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: s3 dead-letter dsn %q", ErrInvalidInput, dsn)
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	query := parsed.Query()
	if region := strings.TrimSpace(query.Get("region")); region != "" {
		cfg.Region = region
	} else if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	var opts []func(*s3.Options)
	if endpoint := strings.TrimSpace(query.Get("endpoint")); endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return NewS3DeadLetterStore(s3.NewFromConfig(cfg, opts...), parsed.Host, parsed.Path)
}

func (s *S3DeadLetterStore) key(id string) string {
	if s.prefix == "" {
		return id + ".json"
	}
	return path.Join(s.prefix, id+".json")
}

func (s *S3DeadLetterStore) Put(ctx context.Context, entry DeadLetter) (DeadLetter, error) {
	entry = normalizeDeadLetter(entry)
	data, err := json.Marshal(entry)
	if err != nil {
		return DeadLetter{}, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(entry.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return DeadLetter{}, fmt.Errorf("put dead letter %s: %w", entry.ID, err)
	}
	return entry, nil
}

func (s *S3DeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	if strings.TrimSpace(id) == "" {
		return DeadLetter{}, ErrInvalidInput
	}
	return s.getKey(ctx, s.key(id))
}

func (s *S3DeadLetterStore) getKey(ctx context.Context, key string) (DeadLetter, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return DeadLetter{}, ErrNotFound
		}
		return DeadLetter{}, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return DeadLetter{}, err
	}
	var entry DeadLetter
	if err := json.Unmarshal(data, &entry); err != nil {
		return DeadLetter{}, err
	}
	return entry, nil
}

func (s *S3DeadLetterStore) List(ctx context.Context, cursor string, limit int) (DeadLetterPage, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}
	items := make([]DeadLetter, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return DeadLetterPage{}, err
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			entry, err := s.getKey(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return DeadLetterPage{}, err
			}
			items = append(items, entry)
		}
	}
	return paginateDeadLetters(items, cursor, limit)
}

func (s *S3DeadLetterStore) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	key := s.key(id)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
		if isS3NotFound(err) {
			return ErrNotFound
		}
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	return err
}

func (s *S3DeadLetterStore) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	errText := err.Error()
	return strings.Contains(errText, "NoSuchKey") || strings.Contains(errText, "NotFound")
}

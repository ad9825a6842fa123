package vigil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3StoreConfig configures the S3-backed store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer using IAM roles, instance
	// profiles, or environment variables (AWS_ACCESS_KEY_ID,
	// AWS_SECRET_ACCESS_KEY) instead of setting these directly.
	// DO NOT commit credentials to source control.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool   // Use path-style addressing

	// MaxRetries is the retry budget for S3 operations (default: 3).
	MaxRetries int
}

// S3Store implements Store on S3 or S3-compatible object storage, intended
// for off-box model checkpoints and anomaly history shared across restarts
// or hosts. Each history list is stored as one JSON-array object and trimmed
// on write, which suits the low write rate of detected anomalies.
type S3Store struct {
	client  *s3.Client
	config  S3StoreConfig
	retryer *Retryer

	// Serializes history read-modify-write sequences.
	mu sync.Mutex
}

// NewS3Store creates an S3-backed store.
func NewS3Store(cfg S3StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

func (s *S3Store) objectKey(kind, key string) string {
	return s.config.Prefix + kind + "/" + key
}

func (s *S3Store) getObject(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.retryer.Do(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		d, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		data = d
		return nil
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrKeyNotFound
		}
		return nil, newStoreError(StoreOpRead, "S3 get object failed", key, err)
	}
	return data, nil
}

func (s *S3Store) putObject(ctx context.Context, key string, data []byte) error {
	err := s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
	if err != nil {
		return newStoreError(StoreOpWrite, "S3 put object failed", key, err)
	}
	return nil
}

// AppendHistory implements Store.
func (s *S3Store) AppendHistory(ctx context.Context, key string, entry []byte, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objKey := s.objectKey("history", key)

	var list []json.RawMessage
	data, err := s.getObject(ctx, objKey)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &list); err != nil {
			// A corrupt history object is replaced rather than failing the append.
			list = nil
		}
	case errors.Is(err, ErrKeyNotFound):
	default:
		return err
	}

	list = append([]json.RawMessage{json.RawMessage(entry)}, list...)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	out, err := json.Marshal(list)
	if err != nil {
		return newStoreError(StoreOpWrite, "marshal history", key, err)
	}
	return s.putObject(ctx, objKey, out)
}

// History implements Store.
func (s *S3Store) History(ctx context.Context, key string, limit int) ([][]byte, error) {
	data, err := s.getObject(ctx, s.objectKey("history", key))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, newStoreError(StoreOpRead, "unmarshal history", key, err)
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([][]byte, len(list))
	for i, e := range list {
		out[i] = []byte(e)
	}
	return out, nil
}

// PutState implements Store.
func (s *S3Store) PutState(ctx context.Context, key string, data []byte) error {
	return s.putObject(ctx, s.objectKey("state", key), data)
}

// GetState implements Store.
func (s *S3Store) GetState(ctx context.Context, key string) ([]byte, error) {
	return s.getObject(ctx, s.objectKey("state", key))
}

// Close implements Store.
func (s *S3Store) Close() error {
	return nil
}

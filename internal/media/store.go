package media

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"media-pipeline/internal/config"
)

// ArtifactStore persists extracted audio and returns a URL the transcription service can fetch.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewArtifactStore picks S3 when a bucket is configured, the local directory otherwise.
func NewArtifactStore(ctx context.Context, cfg config.Config) (ArtifactStore, error) {
	if cfg.AudioS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Store(client, cfg.AudioS3Bucket, cfg.AudioURLTTL), nil
	}
	return NewLocalStore(cfg.AudioOutputDir, cfg.PublicBaseURL), nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AudioS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AudioS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AudioS3Endpoint)
		}
		o.UsePathStyle = cfg.AudioS3PathStyle
	}), nil
}

// LocalStore writes artifacts under a directory that the API serves at /media/.
type LocalStore struct {
	baseDir    string
	publicBase string
}

func NewLocalStore(baseDir, publicBase string) *LocalStore {
	if baseDir == "" {
		baseDir = "./data/audio"
	}
	return &LocalStore{baseDir: baseDir, publicBase: strings.TrimRight(publicBase, "/")}
}

// Dir is the directory artifacts are written to.
func (l *LocalStore) Dir() string {
	return l.baseDir
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return l.publicBase + "/media/" + (&url.URL{Path: key}).EscapedPath(), nil
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type objectPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*presignedRequest, error)
}

// presignedRequest mirrors the URL part of the SDK's presign result.
type presignedRequest struct {
	URL string
}

type s3Presigner struct {
	client *s3.PresignClient
}

func (p s3Presigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*presignedRequest, error) {
	req, err := p.client.PresignGetObject(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return &presignedRequest{URL: req.URL}, nil
}

// S3Store uploads artifacts to a bucket and hands out presigned GET URLs.
type S3Store struct {
	client  objectPutter
	presign objectPresigner
	bucket  string
	ttl     time.Duration
}

func NewS3Store(client *s3.Client, bucket string, ttl time.Duration) *S3Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &S3Store{
		client:  client,
		presign: s3Presigner{client: s3.NewPresignClient(client)},
		bucket:  bucket,
		ttl:     ttl,
	}
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

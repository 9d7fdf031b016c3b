package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ReportStore archives check result reports outside the governance store.
type ReportStore interface {
	// Store saves a report under name and returns a reference to it
	Store(ctx context.Context, name string, report []byte) (string, error)
	// Retrieve fetches a report by reference
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// S3ReportStore stores reports in S3-compatible storage
type S3ReportStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ReportStoreConfig holds S3 configuration
type S3ReportStoreConfig struct {
	Bucket          string
	Prefix          string // e.g., "reports/consistency-check/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3ReportStore creates a new S3-backed report store
func NewS3ReportStore(ctx context.Context, cfg S3ReportStoreConfig) (*S3ReportStore, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3ReportStore{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Store uploads a report to S3
func (s *S3ReportStore) Store(ctx context.Context, name string, report []byte) (string, error) {
	key := s.prefix + name

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(report),
		ContentType: aws.String("application/yaml"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report to S3: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve downloads a report from S3
func (s *S3ReportStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(extractKey(reference)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get report from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return data, nil
}

// extractKey strips the s3://bucket/ prefix of a reference.
func extractKey(reference string) string {
	rest, ok := strings.CutPrefix(reference, "s3://")
	if !ok {
		return reference
	}
	if _, key, found := strings.Cut(rest, "/"); found {
		return key
	}
	return reference
}

// LocalReportStore stores reports on local filesystem (for development/single-node)
type LocalReportStore struct {
	basePath string
}

// NewLocalReportStore creates a local filesystem report store
func NewLocalReportStore(basePath string) (*LocalReportStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	return &LocalReportStore{basePath: basePath}, nil
}

// Store writes a report under basePath, creating intermediate directories
func (l *LocalReportStore) Store(_ context.Context, name string, report []byte) (string, error) {
	path := filepath.Join(l.basePath, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, report, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// Retrieve reads a report from local filesystem
func (l *LocalReportStore) Retrieve(_ context.Context, reference string) ([]byte, error) {
	return os.ReadFile(reference)
}

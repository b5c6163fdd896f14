// Copyright 2024-2026 Aiku AI

// Package linkhost re-hosts attachment bytes on S3-compatible storage so a
// degraded link fallback outlives the source platform's copy.
package linkhost

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Config holds the S3 link host settings.
type Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// PublicBaseURL is the URL prefix objects are reachable under (a CDN or
	// the bucket website endpoint).
	PublicBaseURL string `yaml:"public_base_url"`
	// AccessKeyID and SecretAccessKey are optional static credentials; when
	// empty the default AWS credential chain applies.
	AccessKeyID     string `yaml:"access_key_id" env:"CHATBRIDGE_AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"CHATBRIDGE_AWS_SECRET_ACCESS_KEY"`
}

// Enabled reports whether the link host is configured at all.
func (c Config) Enabled() bool {
	return c.Bucket != "" && c.PublicBaseURL != ""
}

// S3Host publishes attachment bytes to an S3 bucket.
type S3Host struct {
	client  *s3.Client
	bucket  string
	baseURL string
	log     zerolog.Logger
}

// New creates the link host from config, using static credentials when
// provided and the default AWS chain otherwise.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*S3Host, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &S3Host{
		client:  s3.NewFromConfig(awsCfg),
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		log:     log.With().Str("component", "linkhost").Logger(),
	}, nil
}

// Publish uploads the bytes and returns the public URL. Keys are
// content-addressed so re-publishing the same file is idempotent.
func (h *S3Host) Publish(ctx context.Context, filename, mimeType string, data []byte) (string, error) {
	key := objectKey(filename, data)
	_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(h.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	url := h.baseURL + "/" + key
	h.log.Debug().
		Str("filename", filename).
		Int("bytes", len(data)).
		Str("url", url).
		Msg("Published attachment")
	return url, nil
}

// objectKey builds a date-partitioned, content-addressed key:
// 2026/08/26/<sha256-prefix>/<filename>.
func objectKey(filename string, data []byte) string {
	sum := sha256.Sum256(data)
	now := time.Now().UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%s/%s",
		now.Year(), now.Month(), now.Day(),
		hex.EncodeToString(sum[:8]), sanitizeFilename(filename))
}

func sanitizeFilename(filename string) string {
	base := path.Base(filename)
	if base == "." || base == "/" || base == "" {
		return "file"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
}

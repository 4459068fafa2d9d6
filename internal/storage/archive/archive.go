// Package archive keeps the original files of uploaded documents in an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRegion  = "auto"
	defaultPrefix  = "uploads"
	maxNameRunes   = 80
	fallbackName   = "document"
	r2EndpointTmpl = "https://%s.r2.cloudflarestorage.com"
)

// Config describes the bucket and the credentials used to reach it.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	// Endpoint overrides the S3 endpoint, e.g. for MinIO or Supabase Storage.
	Endpoint string `mapstructure:"endpoint"`
	// AccountID builds a Cloudflare R2 endpoint when Endpoint is empty.
	AccountID       string `mapstructure:"account-id"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access-key-id"`
	SecretAccessKey string `mapstructure:"secret-access-key"`
	PathStyle       bool   `mapstructure:"path-style"`
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive uploads documents under date-partitioned keys.
type Archive struct {
	client objectPutter
	bucket string
	prefix string
	logger *zap.Logger
	now    func() time.Time
	newID  func() uuid.UUID
}

// New builds an S3 client from the configuration.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Archive, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = defaultRegion
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" && strings.TrimSpace(cfg.AccountID) != "" {
		endpoint = fmt.Sprintf(r2EndpointTmpl, strings.TrimSpace(cfg.AccountID))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return newArchive(client, bucket, cfg.Prefix, logger), nil
}

func newArchive(client objectPutter, bucket, prefix string, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Archive{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
		newID:  uuid.New,
	}
}

// Put stores the document and returns its object key.
func (a *Archive) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	key := ObjectKey(a.prefix, a.now(), a.newID(), name)

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"original-name": metadataValue(SanitizeName(name))},
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	a.logger.Debug("document archived",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("size", len(data)),
	)
	return key, nil
}

// metadataValue RFC 2047 encodes non-ASCII text, since S3 user metadata
// only carries US-ASCII.
func metadataValue(s string) string {
	return mime.QEncoding.Encode("utf-8", s)
}

// ObjectKey builds "<prefix>/YYYY/MM/DD/<id>-<name>" using the UTC date of at.
func ObjectKey(prefix string, at time.Time, id uuid.UUID, name string) string {
	at = at.UTC()
	return path.Join(
		strings.Trim(prefix, "/"),
		at.Format("2006"),
		at.Format("01"),
		at.Format("02"),
		id.String()+"-"+SanitizeName(name),
	)
}

// SanitizeName reduces a client supplied file name to a safe key segment.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))

	var b strings.Builder
	runes := 0
	lastDash := false
	for _, r := range name {
		if runes >= maxNameRunes {
			break
		}
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if lastDash {
				continue
			}
			b.WriteRune('-')
			lastDash = true
		}
		runes++
	}

	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return fallbackName
	}
	return out
}

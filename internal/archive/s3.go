// Package archive exports task history to object storage so a fleet
// collector can pick it up. Export is incremental and best effort; a failed
// export retries on the next interval.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"thermal-gate/internal/config"
	"thermal-gate/internal/store"
	"thermal-gate/internal/telemetry"
)

const exportBatch = 500

// S3Archiver writes history batches as JSON objects under a key prefix.
type S3Archiver struct {
	client *s3.Client
	store  store.TaskStore
	bucket string
	prefix string

	mu        sync.Mutex
	watermark time.Time
}

// NewS3Archiver builds the archiver, or returns nil when no bucket is
// configured (archival disabled).
func NewS3Archiver(ctx context.Context, cfg config.Config, st store.TaskStore) (*S3Archiver, error) {
	if cfg.ArchiveBucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Archiver{
		client: client,
		store:  st,
		bucket: cfg.ArchiveBucket,
		prefix: cfg.ArchivePrefix,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveRegion),
	}
	if cfg.ArchiveEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveEndpoint,
					HostnameImmutable: cfg.ArchivePathStyle,
					SigningRegion:     cfg.ArchiveRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchivePathStyle
	}), nil
}

// Export uploads all history entries newer than the watermark. Returns how
// many entries were exported.
func (a *S3Archiver) Export(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for {
		entries, err := a.store.HistorySince(ctx, a.watermark, exportBatch)
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			return total, nil
		}

		body, err := json.Marshal(entries)
		if err != nil {
			return total, fmt.Errorf("marshal history batch: %w", err)
		}
		newest := entries[len(entries)-1].CompletedAt
		key := fmt.Sprintf("%s/%s.json", a.prefix, newest.UTC().Format("2006-01-02T15-04-05.000000000"))

		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return total, fmt.Errorf("put history object %s: %w", key, err)
		}

		a.watermark = newest
		total += len(entries)
		telemetry.HistoryExported.Add(float64(len(entries)))
	}
}

// Run exports on a fixed interval until ctx is done.
func (a *S3Archiver) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := a.Export(ctx); err != nil {
				log.Printf("archive: export failed, will retry: %v", err)
			} else if n > 0 {
				log.Printf("archive: exported %d history entries", n)
			}
		}
	}
}

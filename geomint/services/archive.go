package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/emberworks/geomint/geomint/mintqueue"
)

// ArchiveService exports dead-lettered mint jobs and audit snapshots to
// S3-compatible object storage for operator inspection. Objects are JSON,
// keyed by job id, and kept until an operator resolves them.
type ArchiveService struct {
	client *s3.Client
	bucket string
	region string
	prefix string
}

type ArchiveConfig struct {
	Key    string `toml:"key"`
	Secret string `toml:"secret"`
	Region string `toml:"region"`
	Bucket string `toml:"bucket"`
	Prefix string `toml:"prefix"`
}

func NewArchiveService(cfg ArchiveConfig) (*ArchiveService, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: fmt.Sprintf("https://%s.digitaloceanspaces.com", region),
		}, nil
	})

	awsCfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.Key, cfg.Secret, "")),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load archive storage config: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "geomint"
	}
	return &ArchiveService{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: prefix,
	}, nil
}

type deadLetterObject struct {
	Job        mintqueue.Job `json:"job"`
	Reason     string        `json:"reason"`
	ArchivedAt time.Time     `json:"archived_at"`
}

// UploadDeadLetter writes the parked job as deadletter/<jobId>.json.
func (s *ArchiveService) UploadDeadLetter(ctx context.Context, job mintqueue.Job, reason string) error {
	body, err := json.MarshalIndent(deadLetterObject{
		Job:        job,
		Reason:     reason,
		ArchivedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s/deadletter/%s.json", s.prefix, job.ID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload dead letter %s: %w", job.ID, err)
	}
	return nil
}

// UploadAuditSnapshot writes a dated audit export, used by the retention job
// before entries age out of the trail.
func (s *ArchiveService) UploadAuditSnapshot(ctx context.Context, date time.Time, entries map[string]any) error {
	body, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s/audit/%s.json", s.prefix, date.Format("2006-01-02"))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit snapshot: %w", err)
	}
	return nil
}

func (s *ArchiveService) GetBucket() string {
	return s.bucket
}

func (s *ArchiveService) GetRegion() string {
	return s.region
}

package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "fundflow/config"
	"fundflow/logger"
	"fundflow/models"
)

// ArchiveUploader copies sink files to S3 after a run so history survives the
// host. Keys are date-partitioned under the configured prefix.
type ArchiveUploader struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Log
}

// NewArchiveUploader configures the AWS SDK and validates that credentials
// resolve before the run does any work.
func NewArchiveUploader(ctx context.Context, cfg appconfig.ArchiveConfig) (*ArchiveUploader, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, &models.SinkError{Destination: "archive", Err: fmt.Errorf("load AWS configuration: %w", err)}
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, &models.SinkError{Destination: "archive", Err: fmt.Errorf("aws credentials not found")}
	}

	return &ArchiveUploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    logger.GetLogger(),
	}, nil
}

// UploadFile puts one local file under prefix/YYYY/MM/DD/name.
func (u *ArchiveUploader) UploadFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &models.SinkError{Destination: "archive", Err: fmt.Errorf("open %s: %w", path, err)}
	}
	defer f.Close()

	key := filepath.ToSlash(filepath.Join(u.prefix, time.Now().UTC().Format("2006/01/02"), filepath.Base(path)))
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return &models.SinkError{Destination: "archive", Err: fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)}
	}

	u.log.WithComponent("archive").WithFields(logger.Fields{
		"bucket": u.bucket,
		"key":    key,
	}).Info("Sink file archived")
	return nil
}

// UploadAll archives every regular file in the sink data directory. Failures
// are logged per file; the first error is returned after trying the rest.
func (u *ArchiveUploader) UploadAll(ctx context.Context, dataDir string) error {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return &models.SinkError{Destination: "archive", Err: fmt.Errorf("read data directory: %w", err)}
	}

	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".bak" {
			continue
		}
		if err := u.UploadFile(ctx, filepath.Join(dataDir, entry.Name())); err != nil {
			u.log.WithComponent("archive").WithError(err).Error("Archiving sink file failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

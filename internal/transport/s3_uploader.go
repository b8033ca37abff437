package transport

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yorutsuke/yorutsuke/internal/config"
	"github.com/yorutsuke/yorutsuke/internal/events"
)

// S3Uploader writes receipt binaries straight to the bucket using
// permit-scoped credentials, bypassing the presigned PUT. The presign call
// still runs first so the remote service records the key.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *events.Logger
}

// NewS3Uploader creates an uploader from the ambient AWS credential chain.
func NewS3Uploader(cfg *config.UploadConfig, logger *events.Logger) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
		logger: logger.WithField("component", "s3_uploader"),
	}, nil
}

// NewS3UploaderWithPermit creates an uploader from short-lived permit
// credentials issued by the cloud service.
func NewS3UploaderWithPermit(cfg *config.UploadConfig, accessKey, secretKey, sessionToken string, logger *events.Logger) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken)))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
		logger: logger.WithField("component", "s3_uploader"),
	}, nil
}

// UploadBinary puts the blob at the presigned key.
func (u *S3Uploader) UploadBinary(ctx context.Context, target *PresignResult, blob []byte) error {
	key := target.Key
	if u.prefix != "" {
		key = path.Join(u.prefix, key)
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}

	u.logger.WithFields(map[string]interface{}{
		"key":  key,
		"size": len(blob),
	}).Debug("Wrote receipt to S3")

	return nil
}

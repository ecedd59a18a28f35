package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3UploadRetries = 3

// S3UploadParams configures a direct-to-bucket archive upload for
// deployments that own their storage and run without the session service.
type S3UploadParams struct {
	ArchivePath     string
	ArchiveSize     int64
	ObjectKey       string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// UploadToS3 puts a finished session archive straight into the configured
// bucket. The multipart splitting is delegated to the SDK's upload manager;
// there is no resume support on this path, it is intended for small archives
// or reliable links.
func UploadToS3(ctx context.Context, params S3UploadParams, logger log.Logger) error {
	if params.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if params.ArchivePath == "" {
		return fmt.Errorf("archive path must not be empty")
	}
	if params.ObjectKey == "" {
		return fmt.Errorf("object key must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg)

	exists, err := objectExists(ctx, client, params.Bucket, params.ObjectKey)
	if err != nil {
		return fmt.Errorf("check existing object: %w", err)
	}
	if exists {
		logger.Debugf("Archive object %s already present, skipping upload", params.ObjectKey)
		return nil
	}

	return putArchiveWithRetry(ctx, client, params)
}

func objectExists(ctx context.Context, client *s3.Client, bucket, key string) (bool, error) {
	_, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		if _, notFound := apiError.(*types.NotFound); notFound {
			return false, nil
		}
	}
	return false, err
}

func putArchiveWithRetry(ctx context.Context, client *s3.Client, params S3UploadParams) error {
	return retry.Times(numS3UploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(params.ArchivePath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		var partMB int64 = 10
		uploader := manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partMB * 1024 * 1024
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:              file,
			Bucket:            aws.String(params.Bucket),
			Key:               aws.String(params.ObjectKey),
			ContentType:       aws.String("application/x-tar"),
			ContentLength:     aws.Int64(params.ArchiveSize),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		})
		if err != nil {
			return fmt.Errorf("upload archive: %w", err), false
		}

		return nil, true
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

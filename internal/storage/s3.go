package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/lvcoi/tubefetch/internal/config"
)

// S3 uploads to an Amazon S3 bucket.
type S3 struct {
	remote
}

// NewS3 builds a publisher from static credentials.
func NewS3(cfg config.S3Config, cleanup bool) (*S3, error) {
	region := cfg.Region
	if region == "" {
		region = config.DefaultAWSRegion
	}
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	})
	if err != nil {
		return nil, err
	}
	return NewS3WithUploader(s3manager.NewUploader(sess), cfg.Bucket, region, cleanup), nil
}

// NewS3WithUploader wires an existing uploader.
func NewS3WithUploader(up s3manageriface.UploaderAPI, bucket, region string, cleanup bool) *S3 {
	put := func(ctx context.Context, localPath, key, contentType string) error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = up.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(bucket),
			Key:         aws.String(key),
			Body:        f,
			ACL:         aws.String(s3.ObjectCannedACLPublicRead),
			ContentType: aws.String(contentType),
		})
		return err
	}
	return &S3{remote{
		backend:  "s3",
		put:      put,
		baseURL:  S3BaseURL(bucket, region),
		cleanup:  cleanup,
		fallback: Local{Route: DefaultRoute},
	}}
}

// S3BaseURL is the virtual-hosted style endpoint of bucket.
func S3BaseURL(bucket, region string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
}

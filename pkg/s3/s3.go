package s3

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// ItfS3 moves images between local files and the bucket.
type ItfS3 interface {
	UploadFile(ctx context.Context, key string, localPath string) (string, error)
	DownloadFile(ctx context.Context, bucket string, key string, localPath string) error
	Bucket() string
}

type s3Client struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucketName string
}

type SessionOptions struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// NewSession builds the AWS session shared by the S3, SQS and DynamoDB
// clients. Static credentials are used when both keys are set, otherwise the
// default provider chain applies.
func NewSession(opts SessionOptions) (*session.Session, error) {
	cfg := &aws.Config{
		Region: aws.String(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKeyID, opts.SecretAccessKey, "")
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	return sess, nil
}

func New(sess *session.Session, bucketName string) ItfS3 {
	return NewWithClient(s3.New(sess), bucketName)
}

func NewWithClient(client s3iface.S3API, bucketName string) ItfS3 {
	return &s3Client{
		uploader:   s3manager.NewUploaderWithClient(client),
		downloader: s3manager.NewDownloaderWithClient(client),
		bucketName: bucketName,
	}
}

func (s *s3Client) Bucket() string {
	return s.bucketName
}

func (s *s3Client) UploadFile(ctx context.Context, key string, localPath string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	uploadOutput, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        src,
		ContentType: aws.String(contentType(localPath)),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	return uploadOutput.Location, nil
}

// DownloadFile writes s3://bucket/key to localPath. A partially written file
// is removed on failure.
func (s *s3Client) DownloadFile(ctx context.Context, bucket string, key string, localPath string) error {
	if bucket == "" {
		bucket = s.bucketName
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}

	_, err = s.downloader.DownloadWithContext(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}

	return nil
}

// ParseURL splits s3://bucket/key into its bucket and key.
func ParseURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 url: %q", raw)
	}

	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url has no key: %q", raw)
	}

	return u.Host, key, nil
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}

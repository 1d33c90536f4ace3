package output

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

type s3Uploader struct {
	client *minio.Client
	bucket string
}

func newS3Uploader(cfg *models.S3Upload) (*s3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, configError("s3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.Secret == "" {
		return nil, configError("s3 credentials are required")
	}

	endpoint, secure, err := s3Endpoint(cfg.Endpoint, cfg.Region)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.Secret, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, models.NewError(models.KindConfiguration, "open", "invalid s3 endpoint", err)
	}
	return &s3Uploader{client: client, bucket: cfg.Bucket}, nil
}

// s3Endpoint turns the configured endpoint into a minio host and TLS flag.
// An empty endpoint means AWS.
func s3Endpoint(endpoint, region string) (string, bool, error) {
	if endpoint == "" {
		if region != "" {
			return fmt.Sprintf("s3.%s.amazonaws.com", region), true, nil
		}
		return "s3.amazonaws.com", true, nil
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, true, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", false, configError("invalid s3 endpoint")
	}
	return u.Host, u.Scheme == "https", nil
}

func (u *s3Uploader) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", models.NewError(models.KindFatalDelivery, "upload", "open local file", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", models.NewError(models.KindFatalDelivery, "upload", "stat local file", err)
	}

	key = objectKey(key)
	_, err = u.client.PutObject(ctx, u.bucket, key, file, stat.Size(), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", deliveryError("upload", s3Fatal(err), err)
	}

	location := *u.client.EndpointURL()
	location.Path = "/" + u.bucket + "/" + key
	return location.String(), nil
}

func (u *s3Uploader) Close() error { return nil }

func s3Fatal(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket", "AccountProblem":
		return true
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

package output

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

type gcsUploader struct {
	client *storage.Client
	bucket string
}

// newGCSUploader uses the supplied service account JSON, or application
// default credentials when none is given
func newGCSUploader(ctx context.Context, cfg *models.GCPUpload) (*gcsUploader, error) {
	if cfg.Bucket == "" {
		return nil, configError("gcp bucket is required")
	}
	var opts []option.ClientOption
	if len(cfg.Credentials) > 0 {
		opts = append(opts, option.WithCredentialsJSON(cfg.Credentials))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, models.NewError(models.KindConfiguration, "open", "invalid gcp credentials", err)
	}
	return &gcsUploader{client: client, bucket: cfg.Bucket}, nil
}

func (u *gcsUploader) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", models.NewError(models.KindFatalDelivery, "upload", "open local file", err)
	}
	defer file.Close()

	key = objectKey(key)
	w := u.client.Bucket(u.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, file); err != nil {
		w.Close()
		return "", deliveryError("upload", gcsFatal(err), err)
	}
	if err := w.Close(); err != nil {
		return "", deliveryError("upload", gcsFatal(err), err)
	}
	return "https://storage.googleapis.com/" + u.bucket + "/" + key, nil
}

func (u *gcsUploader) Close() error {
	return u.client.Close()
}

func gcsFatal(err error) bool {
	if errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}

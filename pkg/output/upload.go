package output

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// Uploader moves a finished local file to object storage
type Uploader interface {
	// Upload stores localPath under key and returns its location.
	// Transient failures are KindDelivery, credential and permission
	// failures KindFatalDelivery.
	Upload(ctx context.Context, localPath, key, contentType string) (string, error)
	Close() error
}

// UploaderFactory builds an uploader for a resolved destination
type UploaderFactory func(ctx context.Context, dest models.UploadDestination) (Uploader, error)

// NewUploader is the default UploaderFactory. Credentials are passed to the
// storage SDK as-is and never logged.
func NewUploader(ctx context.Context, dest models.UploadDestination) (Uploader, error) {
	switch {
	case dest.S3 != nil:
		return newS3Uploader(dest.S3)
	case dest.GCP != nil:
		return newGCSUploader(ctx, dest.GCP)
	case dest.Azure != nil:
		return newAzureUploader(dest.Azure)
	default:
		return nil, models.Errorf(models.KindConfiguration, "open", "no upload destination")
	}
}

func configError(format string, args ...interface{}) error {
	return models.Errorf(models.KindConfiguration, "open", format, args...)
}

func deliveryError(op string, fatal bool, err error) error {
	kind := models.KindDelivery
	if fatal {
		kind = models.KindFatalDelivery
	}
	return models.NewError(kind, op, "upload failed", err)
}

// ContentType returns the MIME type for an output file name
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4":
		return "video/mp4"
	case ".ogg":
		return "audio/ogg"
	case ".webm":
		return "video/webm"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".flv":
		return "video/x-flv"
	default:
		return "application/octet-stream"
	}
}

func objectKey(key string) string {
	return strings.TrimLeft(filepath.ToSlash(key), "/")
}

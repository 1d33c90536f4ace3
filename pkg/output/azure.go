package output

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

type azureUploader struct {
	client    *azblob.Client
	container string
	account   string
}

func newAzureUploader(cfg *models.AzureBlobUpload) (*azureUploader, error) {
	if cfg.ContainerName == "" {
		return nil, configError("azure container_name is required")
	}
	if cfg.AccountName == "" || cfg.AccountKey == "" {
		return nil, configError("azure credentials are required")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, models.NewError(models.KindConfiguration, "open", "invalid azure credentials", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(azureServiceURL(cfg.AccountName), cred, nil)
	if err != nil {
		return nil, models.NewError(models.KindConfiguration, "open", "invalid azure account", err)
	}
	return &azureUploader{client: client, container: cfg.ContainerName, account: cfg.AccountName}, nil
}

func azureServiceURL(account string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/", account)
}

func (u *azureUploader) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", models.NewError(models.KindFatalDelivery, "upload", "open local file", err)
	}
	defer file.Close()

	key = objectKey(key)
	_, err = u.client.UploadFile(ctx, u.container, key, file, &azblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return "", deliveryError("upload", azureFatal(err), err)
	}
	return azureServiceURL(u.account) + u.container + "/" + key, nil
}

func (u *azureUploader) Close() error { return nil }

func azureFatal(err error) bool {
	return bloberror.HasCode(err,
		bloberror.AuthenticationFailed,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.InsufficientAccountPermissions,
		bloberror.ContainerNotFound,
		bloberror.AccountIsDisabled,
	)
}

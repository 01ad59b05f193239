// Package archive implements the optional timeshift-chunk archival
// adapter (SPEC_FULL §3.4): when a timeshift chunk's lifetime expires,
// hand it to an Uploader backed by Azure Blob Storage instead of just
// deleting it. Off by default; the timeshift pipeline variant falls back
// to local deletion when no Uploader is configured.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
)

// Uploader archives one expired chunk file and reports whether it is now
// safe to delete the local copy.
type Uploader interface {
	Upload(ctx context.Context, streamID, localPath string) error
}

// BlobUploader uploads expired chunks to a container addressed by a full
// URL whose query string carries any authorization it needs, such as a SAS
// token (SPEC_FULL §3.4's `archive_container_url`).
type BlobUploader struct {
	client *azblob.Client
}

// NewBlobUploader constructs an uploader against containerURL without an
// Azure credential: no credential chain is consulted, so authorization must
// come from the URL itself.
func NewBlobUploader(containerURL string) (*BlobUploader, error) {
	client, err := azblob.NewClientWithNoCredential(containerURL, nil)
	if err != nil {
		return nil, apperrors.NewIO("archive.new_uploader", err)
	}
	return &BlobUploader{client: client}, nil
}

// Upload streams localPath's contents to a blob named
// "<streamID>/<basename>", preserving the on-disk chunk naming scheme.
func (u *BlobUploader) Upload(ctx context.Context, streamID, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return apperrors.NewIO("archive.upload", err)
	}
	defer f.Close()

	blobName := fmt.Sprintf("%s/%s", streamID, filepath.Base(localPath))
	_, err = u.client.UploadFile(ctx, "", blobName, f, nil)
	if err != nil {
		return apperrors.NewIO("archive.upload", err)
	}
	return nil
}

// NoopUploader is used when no archive_container_url is configured;
// Rotate just deletes the local file, matching today's default behavior.
type NoopUploader struct{}

func (NoopUploader) Upload(ctx context.Context, streamID, localPath string) error { return nil }

// Rotate archives (if u is non-nil and non-Noop) then deletes localPath,
// the action taken when a timeshift chunk's chunk_lifetime elapses.
func Rotate(ctx context.Context, u Uploader, streamID, localPath string) error {
	if u != nil {
		if err := u.Upload(ctx, streamID, localPath); err != nil {
			return err
		}
	}
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		return apperrors.NewIO("archive.rotate", err)
	}
	return nil
}

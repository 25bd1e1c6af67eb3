// Package attach validates attachment references against object storage.
// Files are uploaded by a separate collaborator; the workflow engine only
// checks that a referenced file ID actually exists before accepting it onto a
// document.
package attach

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("attach: file not found")

type Metadata struct {
	FileID      string
	Size        int64
	ContentType string
}

type Validator interface {
	Stat(ctx context.Context, fileID string) (Metadata, error)
}

type MinioValidator struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioValidator, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioValidator{client: client, bucket: bucket}, nil
}

func (v *MinioValidator) Stat(ctx context.Context, fileID string) (Metadata, error) {
	info, err := v.client.StatObject(ctx, v.bucket, fileID, minio.StatObjectOptions{})
	if err != nil {
		response := minio.ToErrorResponse(err)
		if response.Code == "NoSuchKey" || response.Code == "NoSuchBucket" {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("stat attachment %s: %w", fileID, err)
	}
	return Metadata{
		FileID:      fileID,
		Size:        info.Size,
		ContentType: info.ContentType,
	}, nil
}

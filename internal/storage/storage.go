// Package storage keeps original images and thumbnails in object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Logical buckets.
const (
	BucketImages     = "images"
	BucketThumbnails = "thumbnails"
)

// ErrObjectNotFound is returned by Get for a missing object.
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectStore stores binary objects and returns a retrievable URL for each.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
}

// OriginalKey is the storage key of an original upload.
func OriginalKey(userID, filename string) string {
	return userID + "/" + filename
}

// ThumbnailKey is the storage key of the thumbnail derived from filename.
func ThumbnailKey(userID, filename string) string {
	ext := path.Ext(filename)
	name := strings.TrimSuffix(filename, ext)
	return fmt.Sprintf("%s/%s_thumb.jpg", userID, name)
}

func checkBucket(bucket string) error {
	switch bucket {
	case BucketImages, BucketThumbnails:
		return nil
	}
	return fmt.Errorf("storage: unknown bucket %q", bucket)
}

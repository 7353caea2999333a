// Package storage provides interface for working with different object storages like Amazon S3, Azure Blob, Swift and local FS.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Log implement Logrus logger for debug logging.
var Log = logrus.New()

// Type of Storage.
type Type int

// Storage types.
const (
	TypeS3 Type = iota + 1
	TypeMinio
	TypeFS
	TypeAz
	TypeSwift
)

// Storage classes that need a restore before the object content can be read.
const (
	StorageClassGlacier     = "GLACIER"
	StorageClassDeepArchive = "DEEP_ARCHIVE"
)

// Object contain metadata of remote object.
// Object is a snapshot taken at listing time, it may be stale by the time of download.
type Object struct {
	Key             *string            `json:"-"`
	Bucket          *string            `json:"-"`
	ETag            *string            `json:"e_tag"`
	Mtime           *time.Time         `json:"mtime"`
	ContentLength   *int64             `json:"content_length"`
	ContentType     *string            `json:"content_type"`
	ContentEncoding *string            `json:"content_encoding"`
	Metadata        map[string]*string `json:"metadata"`
	StorageClass    *string            `json:"storage_class"`
	Restore         *string            `json:"-"`
}

// ListOptions limits the List call.
type ListOptions struct {
	// Prefix scopes listing to keys with given prefix.
	Prefix string
	// StartAfter returns only keys after given key (in lexicographical order).
	StartAfter string
	// Limit is the max number of returned objects, zero means no limit.
	Limit int
	// PageSize is the number of keys requested per List call.
	PageSize int
}

// Storage interface.
type Storage interface {
	WithContext(ctx context.Context)
	WithRateLimit(limit int) error
	// List sends objects to output in lexicographical key order.
	// List does not close output.
	List(output chan<- *Object, opts ListOptions) error
	// GetObjectContent writes object content to w and updates object metadata from the response.
	GetObjectContent(obj *Object, w io.Writer) error
	GetObjectMeta(obj *Object) error
	CopyObject(obj *Object, bucket, key string) error
	DeleteObject(obj *Object) error
	HeadBucket(bucket string) error
	CreateBucket(bucket string) error
	Bucket() string
	GetStorageType() Type
}

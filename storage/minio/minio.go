// Package minio provides access to S3 compatible storages through the minio client.
package minio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/larrabee/ratelimit"
	"github.com/larrabee/s3ingest/storage"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// minioAccess defines the functions we are using to interact with the minio SDK.
// Mainly used for testing to implement a mock component.
type minioAccess interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	GetObject(ctx context.Context, bucketName, objectName string) (io.ReadCloser, minio.ObjectInfo, error)
	StatObject(ctx context.Context, bucketName, objectName string) (minio.ObjectInfo, error)
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) error
	RemoveObject(ctx context.Context, bucketName, objectName string) error
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName, region string) error
}

// client adapts *minio.Client to minioAccess.
type client struct {
	ref *minio.Client
}

func (c *client) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return c.ref.ListObjects(ctx, bucketName, opts)
}

func (c *client) GetObject(ctx context.Context, bucketName, objectName string) (io.ReadCloser, minio.ObjectInfo, error) {
	obj, err := c.ref.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, err
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, minio.ObjectInfo{}, err
	}
	return obj, info, nil
}

func (c *client) StatObject(ctx context.Context, bucketName, objectName string) (minio.ObjectInfo, error) {
	return c.ref.StatObject(ctx, bucketName, objectName, minio.StatObjectOptions{})
}

func (c *client) CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) error {
	_, err := c.ref.CopyObject(ctx, dst, src)
	return err
}

func (c *client) RemoveObject(ctx context.Context, bucketName, objectName string) error {
	return c.ref.RemoveObject(ctx, bucketName, objectName, minio.RemoveObjectOptions{})
}

func (c *client) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return c.ref.BucketExists(ctx, bucketName)
}

func (c *client) MakeBucket(ctx context.Context, bucketName, region string) error {
	return c.ref.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: region})
}

// MinioStorage configuration.
type MinioStorage struct {
	client   minioAccess
	bucket   string
	region   string
	ctx      context.Context
	rlBucket ratelimit.Bucket
}

// NewMinioStorage return new configured minio storage.
//
// You should always create new storage with this constructor.
func NewMinioStorage(accessKey, secretKey, token, region, endpoint, bucketName string, insecure bool) (*MinioStorage, error) {
	cl, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, token),
		Secure: !insecure,
		Region: region,
	})
	if err != nil {
		return nil, err
	}
	return newStorage(&client{ref: cl}, bucketName, region), nil
}

func newStorage(cl minioAccess, bucketName, region string) *MinioStorage {
	return &MinioStorage{
		client:   cl,
		bucket:   bucketName,
		region:   region,
		ctx:      context.TODO(),
		rlBucket: ratelimit.NewFakeBucket(),
	}
}

// WithContext add's context to storage.
func (st *MinioStorage) WithContext(ctx context.Context) {
	st.ctx = ctx
}

// WithRateLimit set rate limit (bytes/sec) for storage.
func (st *MinioStorage) WithRateLimit(limit int) error {
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit))
	if err != nil {
		return err
	}
	st.rlBucket = bucket
	return nil
}

// Bucket returns the source bucket name.
func (st *MinioStorage) Bucket() string {
	return st.bucket
}

// List bucket and send founded objects to chan.
func (st *MinioStorage) List(output chan<- *storage.Object, opts storage.ListOptions) error {
	ctx, cancel := context.WithCancel(st.ctx)
	defer cancel()

	listOpts := minio.ListObjectsOptions{
		Prefix:     opts.Prefix,
		Recursive:  true,
		StartAfter: opts.StartAfter,
		MaxKeys:    opts.PageSize,
	}

	sent := 0
	for info := range st.client.ListObjects(ctx, st.bucket, listOpts) {
		if info.Err != nil {
			return info.Err
		}
		if info.Key == "" {
			continue
		}
		output <- st.toObject(info)
		sent++
		if opts.Limit > 0 && sent >= opts.Limit {
			break
		}
	}
	storage.Log.Debugf("Listing bucket %s finished, %d objects", st.bucket, sent)
	return nil
}

// GetObjectContent streams object content to w.
func (st *MinioStorage) GetObjectContent(obj *storage.Object, w io.Writer) error {
	body, info, err := st.client.GetObject(st.ctx, st.bucket, *obj.Key)
	if err != nil {
		return err
	}
	defer body.Close()

	if _, err := io.Copy(ratelimit.NewWriter(w, st.rlBucket), body); err != nil {
		return err
	}

	obj.ETag = storage.StrongEtag(aws.String(info.ETag))
	obj.ContentLength = aws.Int64(info.Size)
	obj.ContentType = aws.String(info.ContentType)
	obj.ContentEncoding = contentEncoding(info.Metadata)
	obj.Metadata = userMetadata(info.UserMetadata)
	return nil
}

// GetObjectMeta update object metadata.
func (st *MinioStorage) GetObjectMeta(obj *storage.Object) error {
	info, err := st.client.StatObject(st.ctx, st.bucket, *obj.Key)
	if err != nil {
		return err
	}
	obj.ContentLength = aws.Int64(info.Size)
	obj.ContentType = aws.String(info.ContentType)
	obj.ContentEncoding = contentEncoding(info.Metadata)
	obj.Metadata = userMetadata(info.UserMetadata)
	if info.StorageClass != "" {
		obj.StorageClass = aws.String(info.StorageClass)
	}
	if info.Restore != nil {
		// Same format as the x-amz-restore header.
		restore := fmt.Sprintf("ongoing-request=\"%t\"", info.Restore.OngoingRestore)
		if !info.Restore.ExpiryTime.IsZero() {
			restore += fmt.Sprintf(", expiry-date=\"%s\"", info.Restore.ExpiryTime.UTC().Format(http.TimeFormat))
		}
		obj.Restore = aws.String(restore)
	}
	return nil
}

// CopyObject copies object to given bucket and key.
func (st *MinioStorage) CopyObject(obj *storage.Object, bucket, key string) error {
	return st.client.CopyObject(st.ctx,
		minio.CopyDestOptions{Bucket: bucket, Object: key},
		minio.CopySrcOptions{Bucket: st.bucket, Object: *obj.Key},
	)
}

// DeleteObject remove object from bucket.
func (st *MinioStorage) DeleteObject(obj *storage.Object) error {
	return st.client.RemoveObject(st.ctx, st.bucket, *obj.Key)
}

// HeadBucket checks that bucket exists.
func (st *MinioStorage) HeadBucket(bucket string) error {
	ok, err := st.client.BucketExists(st.ctx, bucket)
	if err != nil {
		return err
	}
	if !ok {
		return minio.ErrorResponse{Code: "NoSuchBucket", BucketName: bucket, Message: "bucket does not exist"}
	}
	return nil
}

// CreateBucket creates bucket.
func (st *MinioStorage) CreateBucket(bucket string) error {
	return st.client.MakeBucket(st.ctx, bucket, st.region)
}

// GetStorageType return storage type.
func (st *MinioStorage) GetStorageType() storage.Type {
	return storage.TypeMinio
}

func (st *MinioStorage) toObject(info minio.ObjectInfo) *storage.Object {
	obj := &storage.Object{
		Key:           aws.String(info.Key),
		Bucket:        aws.String(st.bucket),
		ETag:          storage.StrongEtag(aws.String(info.ETag)),
		Mtime:         aws.Time(info.LastModified),
		ContentLength: aws.Int64(info.Size),
	}
	if info.StorageClass != "" {
		obj.StorageClass = aws.String(info.StorageClass)
	}
	return obj
}

func contentEncoding(h http.Header) *string {
	if h == nil {
		return nil
	}
	if enc := h.Get("Content-Encoding"); enc != "" {
		return aws.String(strings.ToLower(enc))
	}
	return nil
}

func userMetadata(m minio.StringMap) map[string]*string {
	if len(m) == 0 {
		return nil
	}
	res := make(map[string]*string, len(m))
	for k, v := range m {
		res[k] = aws.String(v)
	}
	return res
}

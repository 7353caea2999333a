// Package az provides access to Azure Blob Storage containers.
package az

import (
	"context"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/larrabee/ratelimit"
	"github.com/larrabee/s3ingest/storage"
)

const accessTierArchive = "Archive"

// AzStorage configuration.
type AzStorage struct {
	client     *azblob.Client
	container  string
	keysPerReq int32
	ctx        context.Context
	rlBucket   ratelimit.Bucket
}

// NewAzStorage return new configured AZ storage.
//
// You should always create new storage with this constructor.
func NewAzStorage(accountName, accountKey, endpoint, containerName string, keysPerReq int32) (*AzStorage, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, err
	}
	cl, err := azblob.NewClientWithSharedKeyCredential(endpoint, credential, nil)
	if err != nil {
		return nil, err
	}

	st := AzStorage{
		client:     cl,
		container:  containerName,
		keysPerReq: keysPerReq,
		ctx:        context.TODO(),
		rlBucket:   ratelimit.NewFakeBucket(),
	}
	return &st, nil
}

// WithContext add's context to storage.
func (st *AzStorage) WithContext(ctx context.Context) {
	st.ctx = ctx
}

// WithRateLimit set rate limit (bytes/sec) for storage.
func (st *AzStorage) WithRateLimit(limit int) error {
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit))
	if err != nil {
		return err
	}
	st.rlBucket = bucket
	return nil
}

// Bucket returns the container name.
func (st *AzStorage) Bucket() string {
	return st.container
}

// List AZ container and send founded objects to chan.
// Azure has no start-after listing, keys up to StartAfter are skipped on the client side.
func (st *AzStorage) List(output chan<- *storage.Object, opts storage.ListOptions) error {
	pageSize := st.keysPerReq
	if opts.PageSize > 0 {
		pageSize = int32(opts.PageSize)
	}
	listOpts := &azblob.ListBlobsFlatOptions{MaxResults: &pageSize}
	if opts.Prefix != "" {
		listOpts.Prefix = aws.String(opts.Prefix)
	}

	sent := 0
	flatPager := st.client.NewListBlobsFlatPager(st.container, listOpts)
	for flatPager.More() {
		page, err := flatPager.NextPage(st.ctx)
		if err != nil {
			return err
		}
		for _, item := range page.Segment.BlobItems {
			key := aws.StringValue(item.Name)
			if key <= opts.StartAfter {
				continue
			}
			obj := &storage.Object{
				Key:    aws.String(key),
				Bucket: aws.String(st.container),
			}
			if p := item.Properties; p != nil {
				obj.Mtime = p.LastModified
				obj.ContentLength = p.ContentLength
				obj.ContentType = p.ContentType
				obj.ContentEncoding = p.ContentEncoding
				if p.ETag != nil {
					obj.ETag = storage.StrongEtag(aws.String(string(*p.ETag)))
				}
				if p.AccessTier != nil {
					obj.StorageClass = storageClass(string(*p.AccessTier))
				}
			}
			output <- obj
			sent++
			if opts.Limit > 0 && sent >= opts.Limit {
				return nil
			}
		}
	}
	storage.Log.Debugf("Listing container %s finished, %d objects", st.container, sent)
	return nil
}

// GetObjectContent streams blob content to w.
func (st *AzStorage) GetObjectContent(obj *storage.Object, w io.Writer) error {
	stream, err := st.client.DownloadStream(st.ctx, st.container, *obj.Key, nil)
	if err != nil {
		return err
	}
	defer stream.Body.Close()

	if _, err := io.Copy(ratelimit.NewWriter(w, st.rlBucket), stream.Body); err != nil {
		return err
	}

	obj.ContentType = stream.ContentType
	obj.ContentLength = stream.ContentLength
	obj.ContentEncoding = stream.ContentEncoding
	obj.Metadata = stream.Metadata
	if stream.ETag != nil {
		obj.ETag = storage.StrongEtag(aws.String(string(*stream.ETag)))
	}
	return nil
}

// GetObjectMeta update object metadata from AZ Blob.
// Archived blobs are reported with rehydration status in Restore.
func (st *AzStorage) GetObjectMeta(obj *storage.Object) error {
	properties, err := st.client.ServiceClient().NewContainerClient(st.container).NewBlobClient(*obj.Key).GetProperties(st.ctx, nil)
	if err != nil {
		return err
	}
	obj.ContentType = properties.ContentType
	obj.ContentLength = properties.ContentLength
	obj.ContentEncoding = properties.ContentEncoding
	obj.Metadata = properties.Metadata
	if properties.AccessTier != nil {
		obj.StorageClass = storageClass(string(*properties.AccessTier))
	}
	if properties.ArchiveStatus != nil {
		obj.Restore = aws.String(`ongoing-request="true"`)
	}
	return nil
}

// CopyObject starts server side copy of the blob to given container and name.
func (st *AzStorage) CopyObject(obj *storage.Object, bucket, key string) error {
	svc := st.client.ServiceClient()
	source := svc.NewContainerClient(st.container).NewBlobClient(*obj.Key).URL()
	_, err := svc.NewContainerClient(bucket).NewBlobClient(key).StartCopyFromURL(st.ctx, source, nil)
	return err
}

// DeleteObject remove object from AZ Blob.
func (st *AzStorage) DeleteObject(obj *storage.Object) error {
	_, err := st.client.DeleteBlob(st.ctx, st.container, *obj.Key, nil)
	return err
}

// HeadBucket checks that container exists.
func (st *AzStorage) HeadBucket(bucket string) error {
	_, err := st.client.ServiceClient().NewContainerClient(bucket).GetProperties(st.ctx, nil)
	return err
}

// CreateBucket creates container, an existing container is not an error.
func (st *AzStorage) CreateBucket(bucket string) error {
	_, err := st.client.CreateContainer(st.ctx, bucket, nil)
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return err
}

// GetStorageType return storage type.
func (st *AzStorage) GetStorageType() storage.Type {
	return storage.TypeAz
}

func storageClass(tier string) *string {
	if strings.EqualFold(tier, accessTierArchive) {
		return aws.String(storage.StorageClassGlacier)
	}
	return aws.String(strings.ToUpper(tier))
}

// Package swift provides access to OpenStack Swift containers.
package swift

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/objectstorage/v1/containers"
	"github.com/gophercloud/gophercloud/openstack/objectstorage/v1/objects"
	"github.com/gophercloud/gophercloud/pagination"
	"github.com/larrabee/ratelimit"

	"github.com/larrabee/s3ingest/storage"
)

// Storage configuration.
type Storage struct {
	conn       *gophercloud.ServiceClient
	bucket     string
	keysPerReq int
	ctx        context.Context
	rlBucket   ratelimit.Bucket
}

// NewStorage return new configured Swift storage.
//
// You should always create new storage with this constructor.
func NewStorage(user, key, tenant, domain, authURL, bucketName string, keysPerReq int, skipSSLVerify bool) (*Storage, error) {
	st := &Storage{
		ctx:        context.TODO(),
		rlBucket:   ratelimit.NewFakeBucket(),
		bucket:     bucketName,
		keysPerReq: keysPerReq,
	}

	auth := gophercloud.AuthOptions{
		IdentityEndpoint: authURL,
		Username:         user,
		Password:         key,
		TenantName:       tenant,
		DomainName:       domain,
	}

	provider, err := openstack.NewClient(auth.IdentityEndpoint)
	if err != nil {
		return nil, err
	}
	if skipSSLVerify {
		tr := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
		provider.HTTPClient = http.Client{Transport: tr}
	}
	if err := openstack.Authenticate(provider, auth); err != nil {
		return nil, err
	}

	client, err := openstack.NewObjectStorageV1(provider, gophercloud.EndpointOpts{})
	if err != nil {
		return nil, err
	}

	st.conn = client

	return st, nil
}

// WithContext add's context to storage.
func (st *Storage) WithContext(ctx context.Context) {
	st.ctx = ctx
	st.conn.Context = ctx
}

// WithRateLimit set rate limit (bytes/sec) for storage.
func (st *Storage) WithRateLimit(limit int) error {
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit))
	if err != nil {
		return err
	}
	st.rlBucket = bucket
	return nil
}

// Bucket returns the container name.
func (st *Storage) Bucket() string {
	return st.bucket
}

// List Swift container and send founded objects to chan.
// Swift marker has the same meaning as S3 start-after.
func (st *Storage) List(output chan<- *storage.Object, opts storage.ListOptions) error {
	pageSize := st.keysPerReq
	if opts.PageSize > 0 {
		pageSize = opts.PageSize
	}
	listOpts := &objects.ListOpts{
		Full:   true,
		Prefix: opts.Prefix,
		Marker: opts.StartAfter,
		Limit:  pageSize,
	}
	pager := objects.List(st.conn, st.bucket, listOpts)

	sent := 0
	err := pager.EachPage(func(page pagination.Page) (bool, error) {
		objectList, err := objects.ExtractInfo(page)
		if err != nil {
			return false, err
		}
		for i := range objectList {
			n := objectList[i]
			output <- &storage.Object{
				Key:           aws.String(n.Name),
				Bucket:        aws.String(st.bucket),
				ETag:          storage.StrongEtag(aws.String(n.Hash)),
				ContentType:   aws.String(n.ContentType),
				Mtime:         aws.Time(n.LastModified),
				ContentLength: aws.Int64(n.Bytes),
			}
			sent++
			if opts.Limit > 0 && sent >= opts.Limit {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	storage.Log.Debugf("Listing container %s finished, %d objects", st.bucket, sent)
	return nil
}

// GetObjectContent streams object content to w.
func (st *Storage) GetObjectContent(obj *storage.Object, w io.Writer) error {
	res := objects.Download(st.conn, st.bucket, *obj.Key, objects.DownloadOpts{})
	if res.Err != nil {
		return res.Err
	}
	defer res.Body.Close()

	header, err := res.Extract()
	if err != nil {
		return err
	}

	if _, err := io.Copy(ratelimit.NewWriter(w, st.rlBucket), res.Body); err != nil {
		return err
	}

	obj.ContentType = aws.String(header.ContentType)
	obj.ContentLength = aws.Int64(header.ContentLength)
	obj.ContentEncoding = aws.String(header.ContentEncoding)
	obj.ETag = storage.StrongEtag(aws.String(header.ETag))

	return nil
}

// GetObjectMeta update object metadata from Swift.
func (st *Storage) GetObjectMeta(obj *storage.Object) error {
	res := objects.Get(st.conn, st.bucket, *obj.Key, objects.GetOpts{})
	if res.Err != nil {
		return res.Err
	}

	header, err := res.Extract()
	if err != nil {
		return err
	}

	obj.ContentType = aws.String(header.ContentType)
	obj.ContentLength = aws.Int64(header.ContentLength)
	obj.ContentEncoding = aws.String(header.ContentEncoding)
	obj.ETag = storage.StrongEtag(aws.String(header.ETag))

	return nil
}

// CopyObject copies object to given container and name on the server side.
func (st *Storage) CopyObject(obj *storage.Object, bucket, key string) error {
	res := objects.Copy(st.conn, st.bucket, *obj.Key, objects.CopyOpts{Destination: bucket + "/" + key})
	return res.Err
}

// DeleteObject remove object from Swift.
func (st *Storage) DeleteObject(obj *storage.Object) error {
	res := objects.Delete(st.conn, st.bucket, *obj.Key, objects.DeleteOpts{})
	return res.Err
}

// HeadBucket checks that container exists.
func (st *Storage) HeadBucket(bucket string) error {
	res := containers.Get(st.conn, bucket, containers.GetOpts{})
	return res.Err
}

// CreateBucket creates container.
func (st *Storage) CreateBucket(bucket string) error {
	res := containers.Create(st.conn, bucket, containers.CreateOpts{})
	return res.Err
}

// GetStorageType return storage type.
func (st *Storage) GetStorageType() storage.Type {
	return storage.TypeSwift
}

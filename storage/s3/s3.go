package s3

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/defaults"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/larrabee/ratelimit"
	"github.com/larrabee/s3ingest/storage"
)

// S3Storage configuration.
type S3Storage struct {
	awsSvc     *s3.S3
	awsSession *session.Session
	awsBucket  *string
	keysPerReq int64
	ctx        context.Context
	rlBucket   ratelimit.Bucket
}

// NewS3Storage return new configured S3 storage.
//
// You should always create new storage with this constructor.
func NewS3Storage(awsNoSign bool, awsAccessKey, awsSecretKey, awsToken, awsRegion, endpoint, bucketName string, keysPerReq int64, retryCnt uint, retryDelay time.Duration, settings Settings) *S3Storage {
	sess := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	}))
	sess.Config.S3ForcePathStyle = aws.Bool(settings.ForcePathStyle)
	sess.Config.S3UseAccelerate = aws.Bool(settings.UseAccelerate)
	sess.Config.UseDualStack = aws.Bool(settings.UseDualStack)
	sess.Config.Region = aws.String(awsRegion)
	sess.Config.Retryer = &Retryer{RetryCnt: retryCnt, RetryDelay: retryDelay}

	if settings.SkipSSLVerify {
		sess.Config.HTTPClient = &http.Client{Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
	}

	if awsNoSign {
		sess.Config.Credentials = credentials.AnonymousCredentials
	} else if awsAccessKey != "" || awsSecretKey != "" {
		sess.Config.Credentials = credentials.NewStaticCredentials(awsAccessKey, awsSecretKey, awsToken)
	} else if _, err := sess.Config.Credentials.Get(); err != nil {
		storage.Log.Debugf("Failed to load credentials from default config")
		cred := credentials.NewChainCredentials(
			[]credentials.Provider{
				&credentials.EnvProvider{},
				defaults.RemoteCredProvider(*defaults.Config(), defaults.Handlers()),
			})
		sess.Config.Credentials = cred
	}

	if endpoint != "" {
		sess.Config.Endpoint = aws.String(endpoint)
	}
	if aws.StringValue(sess.Config.Region) == "" {
		sess.Config.Region = aws.String("us-east-1")
	}

	st := S3Storage{
		awsBucket:  &bucketName,
		awsSession: sess,
		awsSvc:     s3.New(sess),
		keysPerReq: keysPerReq,
		ctx:        context.TODO(),
		rlBucket:   ratelimit.NewFakeBucket(),
	}

	return &st
}

// WithContext add's context to storage.
func (st *S3Storage) WithContext(ctx context.Context) {
	st.ctx = ctx
}

// WithRateLimit set rate limit (bytes/sec) for storage.
func (st *S3Storage) WithRateLimit(limit int) error {
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit))
	if err != nil {
		return err
	}
	st.rlBucket = bucket
	return nil
}

// Bucket returns the source bucket name.
func (st *S3Storage) Bucket() string {
	return *st.awsBucket
}

// List S3 bucket and send founded objects to chan.
func (st *S3Storage) List(output chan<- *storage.Object, opts storage.ListOptions) error {
	pageSize := st.keysPerReq
	if opts.PageSize > 0 {
		pageSize = int64(opts.PageSize)
	}
	if opts.Limit > 0 && int64(opts.Limit) < pageSize {
		pageSize = int64(opts.Limit)
	}

	input := &s3.ListObjectsV2Input{
		Bucket:       st.awsBucket,
		Prefix:       aws.String(opts.Prefix),
		MaxKeys:      aws.Int64(pageSize),
		EncodingType: aws.String(s3.EncodingTypeUrl),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(opts.StartAfter)
	}

	sent := 0
	listObjectsFn := func(p *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, o := range p.Contents {
			key, err := url.QueryUnescape(aws.StringValue(o.Key))
			if err != nil {
				key = aws.StringValue(o.Key)
			}
			output <- &storage.Object{
				Key:           aws.String(key),
				Bucket:        st.awsBucket,
				ETag:          storage.StrongEtag(o.ETag),
				Mtime:         o.LastModified,
				ContentLength: o.Size,
				StorageClass:  o.StorageClass,
			}
			sent++
			if opts.Limit > 0 && sent >= opts.Limit {
				return false
			}
		}
		return !lastPage // continue paging
	}

	if err := st.awsSvc.ListObjectsV2PagesWithContext(st.ctx, input, listObjectsFn); err != nil {
		return err
	}
	storage.Log.Debugf("Listing bucket %s finished, %d objects", *st.awsBucket, sent)
	return nil
}

// GetObjectContent streams object content from S3 to w.
// Object is requested with explicit Accept-Encoding, so compressed objects are returned as is.
func (st *S3Storage) GetObjectContent(obj *storage.Object, w io.Writer) error {
	input := &s3.GetObjectInput{
		Bucket: st.awsBucket,
		Key:    obj.Key,
	}

	result, err := st.awsSvc.GetObjectWithContext(st.ctx, input, withAcceptEncoding("gzip"))
	if err != nil {
		return err
	}
	defer result.Body.Close()

	if _, err := io.Copy(ratelimit.NewWriter(w, st.rlBucket), result.Body); err != nil {
		return err
	}

	obj.ContentType = result.ContentType
	obj.ContentEncoding = result.ContentEncoding
	obj.ContentLength = result.ContentLength
	obj.ETag = storage.StrongEtag(result.ETag)
	obj.Metadata = result.Metadata
	if result.StorageClass != nil {
		obj.StorageClass = result.StorageClass
	}

	return nil
}

// GetObjectMeta update object metadata from S3.
func (st *S3Storage) GetObjectMeta(obj *storage.Object) error {
	input := &s3.HeadObjectInput{
		Bucket: st.awsBucket,
		Key:    obj.Key,
	}

	result, err := st.awsSvc.HeadObjectWithContext(st.ctx, input)
	if err != nil {
		return err
	}

	obj.ContentType = result.ContentType
	obj.ContentEncoding = result.ContentEncoding
	obj.ContentLength = result.ContentLength
	obj.Metadata = result.Metadata
	obj.Restore = result.Restore
	if result.StorageClass != nil {
		obj.StorageClass = result.StorageClass
	}

	return nil
}

// CopyObject copies object inside S3 to given bucket and key.
func (st *S3Storage) CopyObject(obj *storage.Object, bucket, key string) error {
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		CopySource: aws.String(url.PathEscape(*st.awsBucket + "/" + *obj.Key)),
	}

	_, err := st.awsSvc.CopyObjectWithContext(st.ctx, input)
	return err
}

// DeleteObject remove object from S3.
func (st *S3Storage) DeleteObject(obj *storage.Object) error {
	input := &s3.DeleteObjectInput{
		Bucket: st.awsBucket,
		Key:    obj.Key,
	}

	_, err := st.awsSvc.DeleteObjectWithContext(st.ctx, input)
	return err
}

// HeadBucket checks that bucket exists and is accessible.
func (st *S3Storage) HeadBucket(bucket string) error {
	_, err := st.awsSvc.HeadBucketWithContext(st.ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	return err
}

// CreateBucket creates bucket in the configured region.
func (st *S3Storage) CreateBucket(bucket string) error {
	_, err := st.awsSvc.CreateBucketWithContext(st.ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	return err
}

// GetStorageType return storage type.
func (st *S3Storage) GetStorageType() storage.Type {
	return storage.TypeS3
}

func withAcceptEncoding(e string) request.Option {
	return func(r *request.Request) {
		r.HTTPRequest.Header.Add("Accept-Encoding", e)
	}
}

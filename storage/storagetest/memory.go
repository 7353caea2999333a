// Package storagetest contains an in-memory storage.Storage for tests.
package storagetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/larrabee/s3ingest/storage"
	"github.com/pkg/errors"
)

// ObjectOption modifies object created by Store.Put.
type ObjectOption func(obj *storage.Object)

// WithStorageClass sets object storage class.
func WithStorageClass(class string) ObjectOption {
	return func(obj *storage.Object) { obj.StorageClass = aws.String(class) }
}

// WithContentEncoding sets object content encoding.
func WithContentEncoding(enc string) ObjectOption {
	return func(obj *storage.Object) { obj.ContentEncoding = aws.String(enc) }
}

// WithRestore sets restore status header returned by GetObjectMeta.
func WithRestore(restore string) ObjectOption {
	return func(obj *storage.Object) { obj.Restore = aws.String(restore) }
}

type entry struct {
	obj  storage.Object
	data []byte
}

// Store keeps buckets in memory.
type Store struct {
	bucket string

	// GetHook is called before object content is served.
	// A non-nil error is returned from GetObjectContent.
	GetHook func(obj *storage.Object) error
	// ListHook is called before listing, a non-nil error is returned from List.
	ListHook func(opts storage.ListOptions) error

	mu      sync.Mutex
	buckets map[string]map[string]*entry
	gets    map[string]int
	lists   []storage.ListOptions
}

var _ storage.Storage = (*Store)(nil)

// New returns Store with one existing bucket.
func New(bucket string) *Store {
	return &Store{
		bucket:  bucket,
		buckets: map[string]map[string]*entry{bucket: {}},
		gets:    map[string]int{},
	}
}

// Put stores object in default bucket and returns its listing descriptor.
func (s *Store) Put(key string, data []byte, mtime time.Time, opts ...ObjectOption) *storage.Object {
	return s.PutTo(s.bucket, key, data, mtime, opts...)
}

// PutTo stores object in given bucket, creating the bucket if missing.
func (s *Store) PutTo(bucket, key string, data []byte, mtime time.Time, opts ...ObjectOption) *storage.Object {
	sum := md5.Sum(data)
	e := &entry{
		obj: storage.Object{
			Key:           aws.String(key),
			Bucket:        aws.String(bucket),
			ETag:          aws.String(hex.EncodeToString(sum[:])),
			Mtime:         aws.Time(mtime),
			ContentLength: aws.Int64(int64(len(data))),
			StorageClass:  aws.String("STANDARD"),
		},
		data: append([]byte(nil), data...),
	}
	for _, opt := range opts {
		opt(&e.obj)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = map[string]*entry{}
	}
	s.buckets[bucket][key] = e
	return listed(e)
}

// Remove deletes object from default bucket.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[s.bucket], key)
}

// Exists checks if object is present.
func (s *Store) Exists(bucket, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket][key]
	return ok
}

// Content returns object content or nil.
func (s *Store) Content(bucket, key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.buckets[bucket][key]; ok {
		return e.data
	}
	return nil
}

// Gets returns the number of GetObjectContent calls for key.
func (s *Store) Gets(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[key]
}

// Lists returns options of all List calls.
func (s *Store) Lists() []storage.ListOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.ListOptions(nil), s.lists...)
}

// HasBucket checks if bucket exists.
func (s *Store) HasBucket(bucket string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	return ok
}

// WithContext implements storage.Storage.
func (s *Store) WithContext(ctx context.Context) {}

// WithRateLimit implements storage.Storage.
func (s *Store) WithRateLimit(limit int) error { return nil }

// Bucket implements storage.Storage.
func (s *Store) Bucket() string { return s.bucket }

// GetStorageType implements storage.Storage.
func (s *Store) GetStorageType() storage.Type { return storage.TypeFS }

// List implements storage.Storage.
func (s *Store) List(output chan<- *storage.Object, opts storage.ListOptions) error {
	s.mu.Lock()
	s.lists = append(s.lists, opts)
	hook := s.ListHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(opts); err != nil {
			return err
		}
	}

	s.mu.Lock()
	keys := make([]string, 0, len(s.buckets[s.bucket]))
	for key := range s.buckets[s.bucket] {
		if strings.HasPrefix(key, opts.Prefix) && key > opts.StartAfter {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}
	objs := make([]*storage.Object, 0, len(keys))
	for _, key := range keys {
		objs = append(objs, listed(s.buckets[s.bucket][key]))
	}
	s.mu.Unlock()

	for _, obj := range objs {
		output <- obj
	}
	return nil
}

// GetObjectContent implements storage.Storage.
func (s *Store) GetObjectContent(obj *storage.Object, w io.Writer) error {
	s.mu.Lock()
	s.gets[obj.KeyString()]++
	hook := s.GetHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(obj); err != nil {
			return err
		}
	}

	s.mu.Lock()
	e, ok := s.buckets[s.bucket][obj.KeyString()]
	var data []byte
	if ok {
		data = e.data
		obj.ETag = aws.String(*e.obj.ETag)
		obj.ContentEncoding = e.obj.ContentEncoding
		obj.ContentLength = aws.Int64(int64(len(e.data)))
	}
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(storage.ErrObjectNotExist, "get %s", obj.KeyString())
	}

	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

// GetObjectMeta implements storage.Storage.
func (s *Store) GetObjectMeta(obj *storage.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.buckets[s.bucket][obj.KeyString()]
	if !ok {
		return errors.Wrapf(storage.ErrObjectNotExist, "head %s", obj.KeyString())
	}
	obj.Restore = e.obj.Restore
	obj.StorageClass = e.obj.StorageClass
	obj.ContentEncoding = e.obj.ContentEncoding
	return nil
}

// CopyObject implements storage.Storage.
func (s *Store) CopyObject(obj *storage.Object, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.buckets[s.bucket][obj.KeyString()]
	if !ok {
		return errors.Wrapf(storage.ErrObjectNotExist, "copy %s", obj.KeyString())
	}
	dst, ok := s.buckets[bucket]
	if !ok {
		return errors.Wrapf(storage.ErrObjectNotExist, "bucket %s", bucket)
	}
	c := *e
	c.obj.Key = aws.String(key)
	c.obj.Bucket = aws.String(bucket)
	dst[key] = &c
	return nil
}

// DeleteObject implements storage.Storage.
func (s *Store) DeleteObject(obj *storage.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[s.bucket], obj.KeyString())
	return nil
}

// HeadBucket implements storage.Storage.
func (s *Store) HeadBucket(bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		return errors.Wrapf(storage.ErrObjectNotExist, "bucket %s", bucket)
	}
	return nil
}

// CreateBucket implements storage.Storage.
func (s *Store) CreateBucket(bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = map[string]*entry{}
	}
	return nil
}

// listed returns descriptor as returned by a List call: without restore status and encoding.
func listed(e *entry) *storage.Object {
	return &storage.Object{
		Key:           aws.String(*e.obj.Key),
		Bucket:        aws.String(*e.obj.Bucket),
		ETag:          aws.String(*e.obj.ETag),
		Mtime:         aws.Time(*e.obj.Mtime),
		ContentLength: aws.Int64(*e.obj.ContentLength),
		StorageClass:  aws.String(*e.obj.StorageClass),
	}
}

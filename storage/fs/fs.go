// Package fs exposes a local directory tree as a bucket.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/karrick/godirwalk"
	"github.com/larrabee/ratelimit"
	"github.com/larrabee/s3ingest/storage"
	"github.com/pkg/errors"
	"github.com/pkg/xattr"
)

const metaXattrName = "user.s3ingest.meta"

// FSStorage configuration.
type FSStorage struct {
	dir      string
	filePerm os.FileMode
	dirPerm  os.FileMode
	bufSize  int
	xattr    bool
	ctx      context.Context
	rlBucket ratelimit.Bucket
}

// NewFSStorage return new configured FS storage.
//
// You should always create new storage with this constructor.
func NewFSStorage(dir string, filePerm, dirPerm os.FileMode, bufSize int, extendedMeta bool) *FSStorage {
	st := FSStorage{
		dir:      filepath.Clean(dir),
		filePerm: filePerm,
		dirPerm:  dirPerm,
		xattr:    extendedMeta && isXattrSupported(),
		ctx:      context.TODO(),
		rlBucket: ratelimit.NewFakeBucket(),
	}

	if extendedMeta && !isXattrSupported() {
		storage.Log.Warnf("Xattr switch enabled, but your system does not support xattr, it will be disabled.")
	}

	if bufSize < godirwalk.MinimumScratchBufferSize {
		st.bufSize = godirwalk.MinimumScratchBufferSize
	} else {
		st.bufSize = bufSize
	}
	return &st
}

// WithContext add's context to storage.
func (st *FSStorage) WithContext(ctx context.Context) {
	st.ctx = ctx
}

// WithRateLimit set rate limit (bytes/sec) for storage.
func (st *FSStorage) WithRateLimit(limit int) error {
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit))
	if err != nil {
		return err
	}
	st.rlBucket = bucket
	return nil
}

// Bucket returns the root directory.
func (st *FSStorage) Bucket() string {
	return st.dir
}

// List FS and send founded objects to chan.
// Directory walk order differs from key order, so keys are collected and sorted first.
func (st *FSStorage) List(output chan<- *storage.Object, opts storage.ListOptions) error {
	keys := make([]string, 0)
	listObjectsFn := func(path string, de *godirwalk.Dirent) error {
		select {
		case <-st.ctx.Done():
			return st.ctx.Err()
		default:
		}
		if de.IsDir() {
			return nil
		}
		if de.IsSymlink() {
			target, err := os.Stat(path)
			if err != nil || target.IsDir() {
				return nil
			}
		} else if !de.IsRegular() {
			return nil
		}
		key := st.keyOf(path)
		if strings.HasPrefix(key, opts.Prefix) && key > opts.StartAfter {
			keys = append(keys, key)
		}
		return nil
	}

	listObjectsErrorFn := func(path string, err error) godirwalk.ErrorAction {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			storage.Log.Debugf("FS Listing: %s, err: %s, skipping", path, err)
			return godirwalk.SkipNode
		}
		return godirwalk.Halt
	}

	err := godirwalk.Walk(st.dir, &godirwalk.Options{
		FollowSymbolicLinks: true,
		Unsorted:            true,
		ScratchBuffer:       make([]byte, st.bufSize),
		Callback:            listObjectsFn,
		ErrorCallback:       listObjectsErrorFn,
	})
	if err != nil {
		return err
	}

	sort.Strings(keys)
	sent := 0
	for _, key := range keys {
		if opts.Limit > 0 && sent >= opts.Limit {
			break
		}
		obj := &storage.Object{Key: aws.String(key), Bucket: aws.String(st.dir)}
		if err := st.GetObjectMeta(obj); err != nil {
			if storage.IsErrNotExist(err) {
				continue
			}
			return err
		}
		output <- obj
		sent++
	}
	storage.Log.Debugf("Listing dir %s finished, %d objects", st.dir, sent)
	return nil
}

// GetObjectContent copies file content to w.
func (st *FSStorage) GetObjectContent(obj *storage.Object, w io.Writer) error {
	f, err := os.Open(st.pathOf(st.dir, *obj.Key))
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(ratelimit.NewWriter(w, st.rlBucket), f); err != nil {
		return err
	}

	return st.GetObjectMeta(obj)
}

// GetObjectMeta update object metadata from FS.
func (st *FSStorage) GetObjectMeta(obj *storage.Object) error {
	path := st.pathOf(st.dir, *obj.Key)
	fileInfo, err := os.Stat(path)
	if err != nil {
		return err
	}

	mtime := fileInfo.ModTime()
	obj.Mtime = &mtime
	obj.ContentLength = aws.Int64(fileInfo.Size())
	obj.ContentType = aws.String(mime.TypeByExtension(filepath.Ext(path)))
	obj.ETag = aws.String(fmt.Sprintf("%x-%x", mtime.UnixNano(), fileInfo.Size()))
	if obj.Bucket == nil {
		obj.Bucket = aws.String(st.dir)
	}

	if st.xattr {
		data, err := xattr.Get(path, metaXattrName)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, obj); err != nil {
				return errors.Wrapf(err, "decode xattr meta of %s", path)
			}
		case isNoXattrData(err):
		default:
			storage.Log.Debugf("Failed to read xattr of %s: %s", path, err)
		}
	}

	return nil
}

// CopyObject copies file to another root dir, bucket is a directory path.
func (st *FSStorage) CopyObject(obj *storage.Object, bucket, key string) error {
	src, err := os.Open(st.pathOf(st.dir, *obj.Key))
	if err != nil {
		return err
	}
	defer src.Close()

	destPath := st.pathOf(bucket, key)
	if err := os.MkdirAll(filepath.Dir(destPath), st.dirPerm); err != nil {
		return err
	}
	tmpPath := destPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, st.filePerm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if st.xattr {
		data, err := json.Marshal(obj)
		if err != nil {
			_ = f.Close()
			return err
		}
		if err := xattr.FSet(f, metaXattrName, data); err != nil {
			storage.Log.Debugf("Failed to set xattr of %s: %s", destPath, err)
		}
	}

	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, destPath)
}

// DeleteObject remove object from FS.
func (st *FSStorage) DeleteObject(obj *storage.Object) error {
	return os.Remove(st.pathOf(st.dir, *obj.Key))
}

// HeadBucket checks that directory exists.
func (st *FSStorage) HeadBucket(bucket string) error {
	fi, err := os.Stat(bucket)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return errors.Errorf("%s is not a directory", bucket)
	}
	return nil
}

// CreateBucket creates directory.
func (st *FSStorage) CreateBucket(bucket string) error {
	return os.MkdirAll(bucket, st.dirPerm)
}

// GetStorageType return storage type.
func (st *FSStorage) GetStorageType() storage.Type {
	return storage.TypeFS
}

func (st *FSStorage) keyOf(path string) string {
	rel, err := filepath.Rel(st.dir, path)
	if err != nil {
		rel = strings.TrimPrefix(path, st.dir+string(filepath.Separator))
	}
	return filepath.ToSlash(rel)
}

func (st *FSStorage) pathOf(dir, key string) string {
	return filepath.Join(dir, filepath.FromSlash(key))
}

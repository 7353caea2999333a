package collection

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/larrabee/s3ingest/pipeline"
	"github.com/larrabee/s3ingest/remotefile"
	"github.com/larrabee/s3ingest/sincedb"
	"github.com/larrabee/s3ingest/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BackupToBucket copies the object to Bucket under Prefix+key on the server side.
// With Move the source object is deleted after a successful copy.
type BackupToBucket struct {
	Source storage.Storage
	Bucket string
	Prefix string
	Move   bool
}

// Name implements pipeline.PostProcessor.
func (p *BackupToBucket) Name() string {
	return "BackupToBucket"
}

// Process implements pipeline.PostProcessor.
func (p *BackupToBucket) Process(f *remotefile.RemoteFile) error {
	obj := f.Object()
	if err := p.Source.CopyObject(obj, p.Bucket, p.Prefix+obj.KeyString()); err != nil {
		return errors.Wrapf(err, "copy to bucket %s", p.Bucket)
	}
	if p.Move {
		if err := p.Source.DeleteObject(obj); err != nil {
			return errors.Wrap(err, "delete after copy")
		}
	}
	return nil
}

// BackupToDir copies staged object bytes into Dir, keeping the key path.
// When the file already exists the etag is added to the name.
type BackupToDir struct {
	Dir string
}

// Name implements pipeline.PostProcessor.
func (p *BackupToDir) Name() string {
	return "BackupToDir"
}

// Process implements pipeline.PostProcessor.
func (p *BackupToDir) Process(f *remotefile.RemoteFile) error {
	obj := f.Object()
	dst := p.destination(obj.KeyString(), obj.ETagString())
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// destination returns backup path of key. The key can not escape Dir.
func (p *BackupToDir) destination(key, etag string) string {
	rel := strings.TrimPrefix(path.Clean("/"+key), "/")
	dst := filepath.Join(p.Dir, filepath.FromSlash(rel))
	if _, err := os.Stat(dst); err != nil || etag == "" {
		return dst
	}
	ext := filepath.Ext(dst)
	return strings.TrimSuffix(dst, ext) + "-" + etag + ext
}

// DeleteFromSource removes the object from the source storage.
type DeleteFromSource struct {
	Source storage.Storage
}

// Name implements pipeline.PostProcessor.
func (p *DeleteFromSource) Name() string {
	return "DeleteFromSource"
}

// Process implements pipeline.PostProcessor.
func (p *DeleteFromSource) Process(f *remotefile.RemoteFile) error {
	return p.Source.DeleteObject(f.Object())
}

// PostOptions selects the post processors of DefaultChain.
type PostOptions struct {
	Source       storage.Storage
	Ledger       *sincedb.SinceDB
	BackupBucket string
	BackupPrefix string
	BackupDir    string
	Delete       bool
	// Logger logs every processed object when set.
	Logger *logrus.Logger
}

// DefaultChain returns post processors in their fixed order:
// mark complete, backup to bucket, backup to dir, delete, log.
// Delete combined with a bucket backup becomes a move.
func DefaultChain(opts PostOptions) []pipeline.PostProcessor {
	var chain []pipeline.PostProcessor
	if opts.Ledger != nil {
		chain = append(chain, &MarkComplete{Ledger: opts.Ledger})
	}
	if opts.BackupBucket != "" {
		chain = append(chain, &BackupToBucket{Source: opts.Source, Bucket: opts.BackupBucket, Prefix: opts.BackupPrefix, Move: opts.Delete})
	}
	if opts.BackupDir != "" {
		chain = append(chain, &BackupToDir{Dir: opts.BackupDir})
	}
	if opts.Delete && opts.BackupBucket == "" {
		chain = append(chain, &DeleteFromSource{Source: opts.Source})
	}
	if opts.Logger != nil {
		chain = append(chain, &Logger{Log: opts.Logger})
	}
	return chain
}

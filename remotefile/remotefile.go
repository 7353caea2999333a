// Package remotefile fetches one remote object into a staging area and reads it back line by line.
package remotefile

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/larrabee/s3ingest/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Log implement Logrus logger for debug logging.
var Log = logrus.New()

// DefaultGzipPattern matches keys of gzip compressed objects.
var DefaultGzipPattern = regexp.MustCompile(`\.gz(ip)?$`)

// Defaults for the fetch retry.
const (
	DefaultFetchRetries         = 3
	DefaultRetryInitialInterval = 200 * time.Millisecond
	DefaultRetryMaxInterval     = 5 * time.Second
)

const readBufferSize = 64 * 1024

var fetchRetryCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "s3ingest_fetch_retries_total",
	Help: "the total number of retried object downloads",
})

// Options configures how objects are staged and decoded.
type Options struct {
	// TempDir holds staging files, objects are staged in memory when empty.
	TempDir string
	// GzipPattern marks objects as gzip compressed by key.
	GzipPattern *regexp.Regexp
	// UseContentEncoding marks objects with Content-Encoding: gzip as compressed.
	UseContentEncoding bool
	// IncludeObjectProperties adds object properties to the line metadata.
	IncludeObjectProperties bool
	// FetchRetries is the number of retries of a transient download failure.
	FetchRetries uint64
	// RetryInitialInterval is the first backoff delay.
	RetryInitialInterval time.Duration
	// RetryMaxInterval caps the backoff delay.
	RetryMaxInterval time.Duration
}

// DefaultOptions returns in-memory staging with default gzip detection and retries.
func DefaultOptions() Options {
	return Options{
		GzipPattern:          DefaultGzipPattern,
		FetchRetries:         DefaultFetchRetries,
		RetryInitialInterval: DefaultRetryInitialInterval,
		RetryMaxInterval:     DefaultRetryMaxInterval,
	}
}

// DecompressionError is returned when compressed content is corrupt.
// Lines read before the corrupt part were already delivered.
type DecompressionError struct {
	Key string
	Err error
}

func (e *DecompressionError) Error() string {
	return fmt.Sprintf("decompress %s: %s", e.Key, e.Err)
}

func (e *DecompressionError) Unwrap() error {
	return e.Err
}

// TransientFetchError is returned when download retries are exhausted.
type TransientFetchError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("download %s failed after %d attempts: %s", e.Key, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// RemoteFile is one object being processed.
// It owns its staging resource until Cleanup is called.
type RemoteFile struct {
	st      storage.Storage
	obj     *storage.Object
	opts    Options
	staging staging
}

// New returns RemoteFile for obj. The descriptor is copied, obj is never modified.
func New(st storage.Storage, obj *storage.Object, opts Options) *RemoteFile {
	clone := *obj
	return &RemoteFile{st: st, obj: &clone, opts: opts}
}

// Object returns the descriptor, updated with the download response.
func (f *RemoteFile) Object() *storage.Object {
	return f.obj
}

// Key returns object key.
func (f *RemoteFile) Key() string {
	return f.obj.KeyString()
}

// LocalPath returns path of the staging file, empty for in-memory staging.
func (f *RemoteFile) LocalPath() string {
	if f.staging == nil {
		return ""
	}
	return f.staging.Path()
}

// Download fetches object content into the staging area.
// Transient failures are retried with exponential backoff, the staging area is truncated before each attempt.
func (f *RemoteFile) Download() error {
	if f.staging == nil {
		stage, err := newStaging(f.opts.TempDir, f.Key())
		if err != nil {
			return errors.Wrap(err, "create staging")
		}
		f.staging = stage
	}

	attempts := 0
	op := func() error {
		attempts++
		if err := f.staging.Reset(); err != nil {
			return backoff.Permanent(errors.Wrap(err, "reset staging"))
		}
		err := f.st.GetObjectContent(f.obj, f.staging)
		if err != nil && !storage.IsErrTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		fetchRetryCount.Inc()
		Log.WithError(err).WithField("key", f.Key()).Warnf("Download failed, retrying in %s", delay)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = f.opts.RetryInitialInterval
	if f.opts.RetryMaxInterval > 0 {
		expBackoff.MaxInterval = f.opts.RetryMaxInterval
	}
	expBackoff.MaxElapsedTime = 0

	err := backoff.RetryNotify(op, backoff.WithMaxRetries(expBackoff, f.opts.FetchRetries), notify)
	switch {
	case err == nil:
		return nil
	case storage.IsErrTransient(err):
		return &TransientFetchError{Key: f.Key(), Attempts: attempts, Err: err}
	default:
		return errors.Wrapf(err, "download %s", f.Key())
	}
}

// Compressed reports whether content is gzip compressed.
func (f *RemoteFile) Compressed() bool {
	if f.opts.GzipPattern != nil && f.opts.GzipPattern.MatchString(f.Key()) {
		return true
	}
	return f.opts.UseContentEncoding && strings.EqualFold(aws.StringValue(f.obj.ContentEncoding), "gzip")
}

// Open returns raw staged bytes.
func (f *RemoteFile) Open() (io.ReadCloser, error) {
	if f.staging == nil {
		return nil, errors.Errorf("%s is not downloaded", f.Key())
	}
	return f.staging.Open()
}

// EachLine calls fn for every line of the decoded content, without line terminators.
// A non-nil error from fn stops reading and is returned as is.
func (f *RemoteFile) EachLine(fn func(line []byte) error) error {
	raw, err := f.Open()
	if err != nil {
		return err
	}
	defer raw.Close()

	var r io.Reader = raw
	var mr *multiMemberReader
	compressed := f.Compressed()
	if compressed {
		mr, err = newMultiMemberReader(raw)
		if err != nil {
			return &DecompressionError{Key: f.Key(), Err: err}
		}
		defer mr.Close()
		r = mr
	}

	br := bufio.NewReaderSize(r, readBufferSize)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			// Partial line of a broken stream is dropped.
			if compressed {
				return &DecompressionError{Key: f.Key(), Err: err}
			}
			return errors.Wrapf(err, "read %s", f.Key())
		}
		if len(line) > 0 {
			if ferr := fn(trimEOL(line)); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			if mr != nil {
				Log.Debugf("Decoded %d gzip members of %s", mr.Members(), f.Key())
			}
			return nil
		}
	}
}

// Metadata returns a fresh metadata map attached to every line of this object.
func (f *RemoteFile) Metadata() map[string]interface{} {
	props := map[string]interface{}{
		"key":    f.Key(),
		"bucket": f.obj.BucketString(),
	}
	if f.opts.IncludeObjectProperties {
		props["last_modified"] = f.obj.MtimeValue()
		props["etag"] = f.obj.ETagString()
		props["size"] = f.obj.Size()
		props["storage_class"] = aws.StringValue(f.obj.StorageClass)
		props["content_type"] = aws.StringValue(f.obj.ContentType)
		props["content_encoding"] = aws.StringValue(f.obj.ContentEncoding)
		if len(f.obj.Metadata) > 0 {
			props["metadata"] = aws.StringValueMap(f.obj.Metadata)
		}
	}
	return map[string]interface{}{"s3": props}
}

// Cleanup releases the staging resource. It is safe to call more than once.
func (f *RemoteFile) Cleanup() error {
	if f.staging == nil {
		return nil
	}
	err := f.staging.Release()
	f.staging = nil
	return err
}

// trimEOL strips a trailing "\n" or "\r\n".
func trimEOL(line []byte) []byte {
	n := len(line)
	switch {
	case n >= 2 && line[n-2] == '\r' && line[n-1] == '\n':
		return line[:n-2]
	case n >= 1 && line[n-1] == '\n':
		return line[:n-1]
	}
	return line
}

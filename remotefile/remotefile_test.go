package remotefile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/larrabee/s3ingest/storage"
	"github.com/larrabee/s3ingest/storage/storagetest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipMember(t *testing.T, lines []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, l := range lines {
		_, err := zw.Write([]byte(l + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func numbered(prefix string, n int) []string {
	res := make([]string, n)
	for i := range res {
		res[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return res
}

func testOptions(tempDir string) Options {
	opts := DefaultOptions()
	opts.TempDir = tempDir
	opts.RetryInitialInterval = time.Millisecond
	opts.RetryMaxInterval = 5 * time.Millisecond
	return opts
}

func collect(t *testing.T, f *RemoteFile) ([]string, error) {
	t.Helper()
	var lines []string
	err := f.EachLine(func(line []byte) error {
		lines = append(lines, string(line))
		return nil
	})
	return lines, err
}

func TestEachLinePlain(t *testing.T) {
	r := require.New(t)
	st := storagetest.New("bucket")
	obj := st.Put("logs/a.log", []byte("one\r\ntwo\n\nthree"), time.Now())

	f := New(st, obj, testOptions(""))
	defer f.Cleanup()
	r.NoError(f.Download())
	r.False(f.Compressed())

	lines, err := collect(t, f)
	r.NoError(err)
	r.Equal([]string{"one", "two", "", "three"}, lines)
}

func TestEachLineMultiMemberGzip(t *testing.T) {
	r := require.New(t)
	st := storagetest.New("bucket")
	first, second := numbered("first", 8), numbered("second", 8)
	data := append(gzipMember(t, first), gzipMember(t, second)...)
	obj := st.Put("logs/a.log.gz", data, time.Now())

	f := New(st, obj, testOptions(t.TempDir()))
	defer f.Cleanup()
	r.NoError(f.Download())
	r.True(f.Compressed())

	lines, err := collect(t, f)
	r.NoError(err)
	r.Len(lines, 16)
	r.Equal(append(first, second...), lines)
}

func TestEachLineCorruptSecondMember(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)
	st := storagetest.New("bucket")
	first := numbered("ok", 8)
	data := append(gzipMember(t, first), []byte("definitely not gzip")...)
	obj := st.Put("logs/a.gz", data, time.Now())

	f := New(st, obj, testOptions(""))
	defer f.Cleanup()
	r.NoError(f.Download())

	lines, err := collect(t, f)
	var dErr *DecompressionError
	r.ErrorAs(err, &dErr)
	a.Equal("logs/a.gz", dErr.Key)
	a.Equal(first, lines)
}

func TestEachLineCorruptHeader(t *testing.T) {
	st := storagetest.New("bucket")
	obj := st.Put("logs/a.gzip", []byte("plain text"), time.Now())

	f := New(st, obj, testOptions(""))
	defer f.Cleanup()
	require.NoError(t, f.Download())

	_, err := collect(t, f)
	var dErr *DecompressionError
	require.ErrorAs(t, err, &dErr)
}

func TestCompressedByContentEncoding(t *testing.T) {
	tests := []struct {
		name        string
		useEncoding bool
		compressed  bool
	}{
		{"encoding enabled", true, true},
		{"encoding disabled", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := require.New(t)
			st := storagetest.New("bucket")
			obj := st.Put("logs/a.log", gzipMember(t, []string{"x"}), time.Now(), storagetest.WithContentEncoding("gzip"))

			opts := testOptions("")
			opts.UseContentEncoding = tc.useEncoding
			f := New(st, obj, opts)
			defer f.Cleanup()
			r.NoError(f.Download())
			r.Equal(tc.compressed, f.Compressed())
			r.Nil(obj.ContentEncoding, "listing descriptor must not be modified")
		})
	}
}

func TestEachLineStopsOnCallbackError(t *testing.T) {
	r := require.New(t)
	st := storagetest.New("bucket")
	obj := st.Put("a.log", []byte("1\n2\n3\n"), time.Now())

	f := New(st, obj, testOptions(""))
	defer f.Cleanup()
	r.NoError(f.Download())

	stop := errors.New("stop")
	calls := 0
	err := f.EachLine(func(line []byte) error {
		calls++
		return stop
	})
	r.Equal(stop, err)
	r.Equal(1, calls)
}

// flakyStore serves truncated content and a transient error a number of times.
type flakyStore struct {
	*storagetest.Store
	failures int
}

func (s *flakyStore) GetObjectContent(obj *storage.Object, w io.Writer) error {
	if s.failures > 0 {
		s.failures--
		_, _ = w.Write([]byte("partial"))
		return io.ErrUnexpectedEOF
	}
	return s.Store.GetObjectContent(obj, w)
}

func TestDownloadRetriesTransient(t *testing.T) {
	r := require.New(t)
	st := &flakyStore{Store: storagetest.New("bucket"), failures: 2}
	obj := st.Put("a.log", []byte("line\n"), time.Now())

	f := New(st, obj, testOptions(t.TempDir()))
	defer f.Cleanup()
	r.NoError(f.Download())

	lines, err := collect(t, f)
	r.NoError(err)
	r.Equal([]string{"line"}, lines)
}

func TestDownloadRetriesExhausted(t *testing.T) {
	r := require.New(t)
	st := &flakyStore{Store: storagetest.New("bucket"), failures: 100}
	obj := st.Put("a.log", []byte("line\n"), time.Now())

	opts := testOptions("")
	opts.FetchRetries = 2
	f := New(st, obj, opts)
	defer f.Cleanup()

	err := f.Download()
	var tErr *TransientFetchError
	r.ErrorAs(err, &tErr)
	r.Equal(3, tErr.Attempts)
	r.Equal(97, st.failures)
}

func TestDownloadDeletedObject(t *testing.T) {
	r := require.New(t)
	st := storagetest.New("bucket")
	obj := st.Put("a.log", []byte("line\n"), time.Now())
	st.Remove("a.log")

	f := New(st, obj, testOptions(""))
	defer f.Cleanup()
	err := f.Download()
	r.Error(err)
	r.True(storage.IsErrNotExist(err))
	r.Equal(1, st.Gets("a.log"))
}

func TestCleanupRemovesStagingFile(t *testing.T) {
	r := require.New(t)
	st := storagetest.New("bucket")
	obj := st.Put("dir/a.log", []byte("line\n"), time.Now())

	f := New(st, obj, testOptions(t.TempDir()))
	r.NoError(f.Download())
	path := f.LocalPath()
	r.NotEmpty(path)
	_, err := os.Stat(path)
	r.NoError(err)

	r.NoError(f.Cleanup())
	_, err = os.Stat(path)
	r.True(os.IsNotExist(err))
	r.NoError(f.Cleanup())
}

func TestStagingNameOfLongKey(t *testing.T) {
	r := require.New(t)
	st := storagetest.New("bucket")
	key := "logs/" + strings.Repeat("k", 1000) + ".log.gz"
	obj := st.Put(key, gzipMember(t, []string{"one"}), time.Now())

	f := New(st, obj, testOptions(t.TempDir()))
	r.NoError(f.Download())
	defer f.Cleanup()
	r.LessOrEqual(len(filepath.Base(f.LocalPath())), 255)
	r.True(strings.HasSuffix(f.LocalPath(), ".gz"))

	lines, err := collect(t, f)
	r.NoError(err)
	r.Equal([]string{"one"}, lines)
}

func TestStagingName(t *testing.T) {
	tests := []struct {
		key string
		ext string
	}{
		{"a.log", ".log"},
		{"dir/a.log.gz", ".gz"},
		{"noext", ""},
		{"a." + strings.Repeat("x", 40), ""},
	}
	for _, tc := range tests {
		name := stagingName(tc.key)
		assert.Equal(t, tc.ext, filepath.Ext(name), tc.key)
		assert.Len(t, name, 36+len(tc.ext), tc.key)
	}
}

func TestMetadata(t *testing.T) {
	a := assert.New(t)
	st := storagetest.New("bucket")
	mtime := time.Unix(1700000000, 0)
	obj := st.Put("a.log", []byte("x"), mtime)

	f := New(st, obj, testOptions(""))
	a.Equal(map[string]interface{}{"s3": map[string]interface{}{"key": "a.log", "bucket": "bucket"}}, f.Metadata())

	opts := testOptions("")
	opts.IncludeObjectProperties = true
	props := New(st, obj, opts).Metadata()["s3"].(map[string]interface{})
	a.Equal(mtime, props["last_modified"])
	a.Equal(int64(1), props["size"])
	a.Equal("STANDARD", props["storage_class"])
	a.Equal(obj.ETagString(), props["etag"])
}

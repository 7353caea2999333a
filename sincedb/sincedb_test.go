package sincedb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/larrabee/s3ingest/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func object(key, etag, bucket string, mtime time.Time) *storage.Object {
	return &storage.Object{
		Key:    aws.String(key),
		ETag:   aws.String(etag),
		Bucket: aws.String(bucket),
		Mtime:  aws.Time(mtime),
	}
}

func fixedClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}

func TestRoundTrip(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)
	path := filepath.Join(t.TempDir(), "sincedb")
	now := time.Now().Truncate(time.Second)

	db := New(path, Options{})
	completed := []*storage.Object{
		object("logs/a.log", "e1", "bucket", now.Add(-3*time.Minute)),
		object("logs/b.log", "e2", "bucket", now.Add(-2*time.Minute)),
		object("logs/c.log.gz", "e3", "bucket", now.Add(-time.Minute)),
	}
	for _, obj := range completed {
		db.Completed(obj)
	}
	r.NoError(db.Close())

	loaded, err := Open(path, Options{})
	r.NoError(err)
	defer loaded.Close()

	a.Equal(3, loaded.Len())
	for _, obj := range completed {
		a.True(loaded.Processed(obj), obj.KeyString())
	}

	probes := []*storage.Object{
		object("logs/a.log", "other-etag", "bucket", now),
		object("logs/a.log", "e1", "other-bucket", now),
		object("logs/d.log", "e1", "bucket", now),
	}
	for _, obj := range probes {
		a.False(loaded.Processed(obj), "%s %s %s", obj.KeyString(), obj.ETagString(), obj.BucketString())
	}

	key, ok := loaded.OldestKey()
	a.True(ok)
	a.Equal("logs/a.log", key)
}

func TestFileFormat(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "sincedb")
	mtime := time.Unix(1700000000, 0)

	db := New(path, Options{})
	db.Completed(object("a/b.log", "etag", "bucket", mtime))
	r.NoError(db.Close())

	data, err := os.ReadFile(path)
	r.NoError(err)
	r.Equal(`{"key":["a/b.log","etag","bucket"],"value":[1700000000]}`+"\n", string(data))
}

func TestMalformedLinesSkipped(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)
	path := filepath.Join(t.TempDir(), "sincedb")

	content := `{"key":["good.log","e1","bucket"],"value":[1700000000]}
not json at all
{"key":["short"],"value":[1700000000]}
{"key":["novalue.log","e2","bucket"],"value":[]}

{"key":["second.log","e3","bucket"],"value":[1700000100]}
{"key":["trunc`
	r.NoError(os.WriteFile(path, []byte(content), 0644))

	db, err := Open(path, Options{})
	r.NoError(err)
	defer db.Close()

	a.Equal(2, db.Len())
	a.True(db.Processed(object("good.log", "e1", "bucket", time.Now())))
	a.True(db.Processed(object("second.log", "e3", "bucket", time.Now())))
}

func TestMissingFileIsEmpty(t *testing.T) {
	r := require.New(t)
	db, err := Open(filepath.Join(t.TempDir(), "nested", "sincedb"), Options{})
	r.NoError(err)
	r.Equal(0, db.Len())
	_, ok := db.OldestKey()
	r.False(ok)
	r.NoError(db.Close())
}

func TestRelativeExpiry(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		older    time.Duration
		keepBoth bool
	}{
		{"inside window", 119 * time.Second, true},
		{"outside window", 121 * time.Second, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := assert.New(t)
			db := New(filepath.Join(t.TempDir(), "sincedb"), Options{
				Expire: 120 * time.Second,
				Clock:  fixedClock(now),
			})
			newer := object("newer", "e1", "b", now)
			older := object("older", "e2", "b", now.Add(-tc.older))
			db.Completed(newer)
			db.Completed(older)

			db.Compact()

			a.True(db.Processed(newer))
			a.Equal(tc.keepBoth, db.Processed(older))
		})
	}
}

func TestRelativeExpirySingleEntry(t *testing.T) {
	now := time.Now()
	db := New(filepath.Join(t.TempDir(), "sincedb"), Options{Expire: time.Second, Clock: fixedClock(now)})
	db.Completed(object("only", "e", "b", now.Add(-time.Hour)))
	assert.Equal(t, 0, db.Compact())
	assert.Equal(t, 1, db.Len())
}

func TestAbsoluteExpiry(t *testing.T) {
	a := assert.New(t)
	now := time.Now()
	db := New(filepath.Join(t.TempDir(), "sincedb"), Options{
		IgnoreOlder: time.Hour,
		Clock:       fixedClock(now),
	})
	fresh := object("fresh", "e1", "b", now.Add(-59*time.Minute))
	stale := object("stale", "e2", "b", now.Add(-61*time.Minute))
	db.Completed(fresh)
	db.Completed(stale)

	a.Equal(1, db.Compact())
	a.True(db.Processed(fresh))
	a.False(db.Processed(stale))
}

func TestReseed(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "sincedb")
	now := time.Now().Truncate(time.Second)

	db := New(path, Options{})
	for i := 0; i < 5; i++ {
		db.Completed(object(fmt.Sprintf("k%d", i), "e", "b", now))
	}
	db.Reseed(object("start/here.log", "", "b", now.Add(-time.Hour)))
	r.NoError(db.Close())

	loaded, err := Open(path, Options{})
	r.NoError(err)
	defer loaded.Close()
	r.Equal(1, loaded.Len())
	key, ok := loaded.OldestKey()
	r.True(ok)
	r.Equal("start/here.log", key)
}

func TestBackgroundFlush(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "sincedb")

	db, err := Open(path, Options{FlushInterval: 10 * time.Millisecond})
	r.NoError(err)
	defer db.Close()

	db.Completed(object("k", "e", "b", time.Now()))
	r.Eventually(func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFlushErrorCallback(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	r.NoError(os.WriteFile(blocker, []byte("x"), 0644))

	errs := make(chan error, 1)
	db := New(filepath.Join(blocker, "sincedb"), Options{
		FlushInterval: 10 * time.Millisecond,
		OnFlushError: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	})
	db.Start()
	db.Completed(object("k", "e", "b", time.Now()))

	select {
	case err := <-errs:
		var pErr *PersistenceError
		r.ErrorAs(err, &pErr)
	case <-time.After(5 * time.Second):
		r.Fail("flush error was not reported")
	}
	r.Error(db.Close())
}

func TestConcurrentCompleted(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "sincedb")
	db, err := Open(path, Options{FlushInterval: 5 * time.Millisecond, Expire: time.Hour})
	r.NoError(err)

	now := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				obj := object(fmt.Sprintf("w%d/%d", w, i), "e", "b", now)
				db.Completed(obj)
				_ = db.Processed(obj)
				_, _ = db.OldestKey()
			}
		}(w)
	}
	wg.Wait()
	r.NoError(db.Close())

	loaded, err := Open(path, Options{})
	r.NoError(err)
	defer loaded.Close()
	r.Equal(1600, loaded.Len())
}

func TestPurge(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "sincedb")
	r.NoError(os.WriteFile(path, []byte("{}\n"), 0644))
	r.NoError(Purge(path))
	_, err := os.Stat(path)
	r.True(os.IsNotExist(err))
	r.NoError(Purge(path))
}

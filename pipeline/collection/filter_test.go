package collection

import (
	"net/http"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/larrabee/s3ingest/pipeline"
	"github.com/larrabee/s3ingest/sincedb"
	"github.com/larrabee/s3ingest/storage"
	"github.com/larrabee/s3ingest/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keysOf(objs []*storage.Object) []string {
	res := make([]string, len(objs))
	for i, obj := range objs {
		res[i] = obj.KeyString()
	}
	return res
}

func TestListNewFilesScenario(t *testing.T) {
	r := require.New(t)
	now := time.Now()
	clock := func() time.Time { return now }

	st := storagetest.New("bucket")
	st.Put("logs/one.tmp", []byte("x"), now.Add(-time.Hour))
	st.Put("logs/two.tmp", []byte("x"), now.Add(-time.Hour))
	st.Put("logs/empty.log", nil, now.Add(-time.Hour))
	st.Put("logs/fresh.log", []byte("x"), now.Add(-time.Second))
	st.Put("logs/valid.log", []byte("x"), now.Add(-time.Hour))

	validator := DefaultValidator(Options{
		Source:  st,
		Ledger:  sincedb.New(filepath.Join(t.TempDir(), "sincedb"), sincedb.Options{}),
		Cutoff:  pipeline.DefaultCutoff,
		Exclude: regexp.MustCompile(`\.tmp$`),
		Clock:   clock,
	})
	p := pipeline.NewPoller(st, validator, nil, pipeline.PollerOptions{Cutoff: pipeline.DefaultCutoff, Clock: clock})

	objs, err := p.ListNewFiles()
	r.NoError(err)
	r.Equal([]string{"logs/valid.log"}, keysOf(objs))
}

func TestListNewFilesFilterCorrectness(t *testing.T) {
	r := require.New(t)
	now := time.Now()
	clock := func() time.Time { return now }

	st := storagetest.New("bucket")
	ledger := sincedb.New(filepath.Join(t.TempDir(), "sincedb"), sincedb.Options{})

	st.Put("logs/dir/", []byte("x"), now.Add(-time.Hour))
	st.Put("logs/empty.log", nil, now.Add(-time.Hour))
	st.Put("logs/fresh.log", []byte("x"), now.Add(-time.Second))
	st.Put("logs/ancient.log", []byte("x"), now.Add(-48*time.Hour))
	st.Put("logs/skip.tmp", []byte("x"), now.Add(-time.Hour))
	st.Put("processed/logs/copy.log", []byte("x"), now.Add(-time.Hour))
	st.Put("logs/frozen.log", []byte("x"), now.Add(-time.Hour), storagetest.WithStorageClass(storage.StorageClassGlacier))
	done := st.Put("logs/done.log", []byte("x"), now.Add(-time.Hour))
	ledger.Completed(done)

	st.Put("logs/c.log", []byte("x"), now.Add(-10*time.Minute))
	st.Put("logs/a.log", []byte("x"), now.Add(-30*time.Minute))
	st.Put("logs/b.log", []byte("x"), now.Add(-20*time.Minute))
	changed := st.Put("logs/done.log.2", []byte("x"), now.Add(-time.Hour))
	ledger.Completed(&storage.Object{Key: changed.Key, Bucket: changed.Bucket, ETag: aws.String("old"), Mtime: changed.Mtime})
	st.Put("logs/thawed.log", []byte("x"), now.Add(-5*time.Minute),
		storagetest.WithStorageClass(storage.StorageClassDeepArchive),
		storagetest.WithRestore(`ongoing-request="false", expiry-date="`+now.Add(24*time.Hour).UTC().Format(http.TimeFormat)+`"`))

	validator := DefaultValidator(Options{
		Source:        st,
		Ledger:        ledger,
		Cutoff:        pipeline.DefaultCutoff,
		IgnoreOlder:   24 * time.Hour,
		Exclude:       regexp.MustCompile(`\.tmp$`),
		BackupBucket:  "bucket",
		BackupPrefix:  "processed/",
		CheckArchived: true,
		Clock:         clock,
	})
	p := pipeline.NewPoller(st, validator, ledger, pipeline.PollerOptions{Cutoff: pipeline.DefaultCutoff, Clock: clock})

	objs, err := p.ListNewFiles()
	r.NoError(err)
	r.Equal([]string{"logs/done.log.2", "logs/a.log", "logs/b.log", "logs/c.log", "logs/thawed.log"}, keysOf(objs))
}

func TestPolicies(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	obj := func(key string, size int64, age time.Duration) *storage.Object {
		return &storage.Object{
			Key:           aws.String(key),
			Bucket:        aws.String("bucket"),
			ETag:          aws.String("etag"),
			Mtime:         aws.Time(now.Add(-age)),
			ContentLength: aws.Int64(size),
		}
	}

	tests := []struct {
		name   string
		policy pipeline.Policy
		obj    *storage.Object
		accept bool
	}{
		{"directory marker", SkipEndingDirectory(), obj("a/", 1, time.Hour), false},
		{"regular key", SkipEndingDirectory(), obj("a/b", 1, time.Hour), true},
		{"empty file", SkipEmptyFile(), obj("a", 0, time.Hour), false},
		{"non empty file", SkipEmptyFile(), obj("a", 1, time.Hour), true},
		{"inside cutoff", IgnoreNewerThan(3*time.Second, clock), obj("a", 1, 2*time.Second), false},
		{"at cutoff", IgnoreNewerThan(3*time.Second, clock), obj("a", 1, 3*time.Second), true},
		{"older than horizon", IgnoreOlderThan(time.Hour, clock), obj("a", 1, time.Hour), false},
		{"inside horizon", IgnoreOlderThan(time.Hour, clock), obj("a", 1, 59*time.Minute), true},
		{"excluded", ExcludePattern(regexp.MustCompile(`^tmp/`)), obj("tmp/a", 1, time.Hour), false},
		{"not excluded", ExcludePattern(regexp.MustCompile(`^tmp/`)), obj("logs/tmp/a", 1, time.Hour), true},
		{"backup copy", ExcludeBackupedFiles("b", "b", "bak/"), obj("bak/a", 1, time.Hour), false},
		{"not a backup copy", ExcludeBackupedFiles("b", "b", "bak/"), obj("a", 1, time.Hour), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NotNil(t, tc.policy)
			assert.Equal(t, tc.accept, tc.policy.Accept(tc.obj))
		})
	}
}

func TestDisabledPolicies(t *testing.T) {
	a := assert.New(t)
	a.Nil(IgnoreNewerThan(0, nil))
	a.Nil(IgnoreOlderThan(0, nil))
	a.Nil(ExcludePattern(nil))
	a.Nil(ExcludeBackupedFiles("src", "other", "bak/"))
	a.Nil(ExcludeBackupedFiles("src", "src", ""))
}

func TestRestoreAvailable(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour).Format(http.TimeFormat)
	past := now.Add(-time.Hour).Format(http.TimeFormat)

	tests := []struct {
		name    string
		restore *string
		ok      bool
	}{
		{"no restore", nil, false},
		{"in progress", aws.String(`ongoing-request="true"`), false},
		{"restored", aws.String(`ongoing-request="false", expiry-date="` + future + `"`), true},
		{"expired", aws.String(`ongoing-request="false", expiry-date="` + past + `"`), false},
		{"bad date", aws.String(`ongoing-request="false", expiry-date="tomorrow"`), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, RestoreAvailable(tc.restore, now))
		})
	}
}

func TestSkipArchivedDoesNotModifyObject(t *testing.T) {
	r := require.New(t)
	st := storagetest.New("bucket")
	obj := st.Put("a.log", []byte("x"), time.Now(),
		storagetest.WithStorageClass(storage.StorageClassGlacier),
		storagetest.WithRestore(`ongoing-request="true"`))

	r.False(SkipArchived(st, nil).Accept(obj))
	r.Nil(obj.Restore)
}

func TestDefaultValidatorOrder(t *testing.T) {
	st := storagetest.New("bucket")
	v := DefaultValidator(Options{
		Source:        st,
		Ledger:        sincedb.New(filepath.Join(t.TempDir(), "sincedb"), sincedb.Options{}),
		Cutoff:        time.Second,
		IgnoreOlder:   time.Hour,
		Exclude:       regexp.MustCompile(`x`),
		BackupBucket:  "bucket",
		BackupPrefix:  "bak/",
		CheckArchived: true,
	})
	require.Equal(t, "SkipEndingDirectory -> SkipEmptyFile -> IgnoreNewerThan -> IgnoreOlderThan -> "+
		"ExcludePattern -> ExcludeBackupedFiles -> SkipArchived -> AlreadyProcessed", v.String())

	minimal := DefaultValidator(Options{Source: st})
	require.Equal(t, 2, minimal.Len())
}

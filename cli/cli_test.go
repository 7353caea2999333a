package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/larrabee/s3ingest/pipeline"
	"github.com/larrabee/s3ingest/storage"
	"github.com/larrabee/s3ingest/storage/storagetest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConn(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		conn    connect
		wantErr bool
	}{
		{"s3 with prefix", "s3://logs/cloudfront/", connect{Type: storage.TypeS3, Bucket: "logs", Path: "cloudfront/"}, false},
		{"s3 bucket only", "s3://logs", connect{Type: storage.TypeS3, Bucket: "logs"}, false},
		{"minio", "minio://logs/app", connect{Type: storage.TypeMinio, Bucket: "logs", Path: "app"}, false},
		{"azure", "az://container/x", connect{Type: storage.TypeAz, Bucket: "container", Path: "x"}, false},
		{"swift", "swift://container", connect{Type: storage.TypeSwift, Bucket: "container"}, false},
		{"fs url", "fs:///var/log/", connect{Type: storage.TypeFS, Bucket: "/var/log"}, false},
		{"plain path", "/var/log", connect{Type: storage.TypeFS, Bucket: "/var/log"}, false},
		{"unknown scheme", "gs://bucket", connect{}, true},
		{"empty bucket", "s3:///prefix", connect{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn, err := parseConn(tc.raw)
			if tc.wantErr {
				var confErr *pipeline.ConfigurationError
				require.True(t, errors.As(err, &confErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.conn, conn)
		})
	}
}

func TestParseStartValue(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name    string
		raw     string
		key     string
		at      time.Time
		wantErr bool
	}{
		{"key only", "logs/a.log", "logs/a.log", now, false},
		{"unix time", "logs/a.log,1600000000", "logs/a.log", time.Unix(1600000000, 0), false},
		{"rfc3339", "logs/a.log,2023-01-02T03:04:05Z", "logs/a.log", time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC), false},
		{"bad time", "logs/a.log,yesterday", "", time.Time{}, true},
		{"empty key", ",1600000000", "", time.Time{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sv, err := parseStartValue(tc.raw, now)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.key, sv.Key)
			assert.True(t, tc.at.Equal(sv.LastModified))
		})
	}
}

func TestDefaultSincedbPath(t *testing.T) {
	a := assert.New(t)
	first := defaultSincedbPath("/data", connect{Bucket: "logs", Path: "a/"})
	a.Equal("/data", filepath.Dir(first))
	a.Regexp(`^sincedb_[0-9a-f]{32}$`, filepath.Base(first))
	a.Equal(first, defaultSincedbPath("/data", connect{Bucket: "logs", Path: "a/"}))
	a.NotEqual(first, defaultSincedbPath("/data", connect{Bucket: "logs", Path: "b/"}))
}

func TestParseArgs(t *testing.T) {
	base := func() args {
		raw := defaultArgs()
		raw.Source = "s3://logs/app/"
		raw.DataDir = "/data"
		return raw
	}

	t.Run("defaults", func(t *testing.T) {
		r := require.New(t)
		cli, err := parseArgs(base())
		r.NoError(err)
		r.Equal(storage.TypeS3, cli.Source.Type)
		r.True(cli.S3Settings.ForcePathStyle)
		r.Equal(time.Second, cli.S3RetryInterval)
		r.NotNil(cli.GzipRe)
		r.True(cli.GzipRe.MatchString("a.log.gz"))
		r.Nil(cli.ExcludeRe)
		r.Nil(cli.StartValue)
		r.Equal(defaultSincedbPath("/data", cli.Source), cli.SincedbFile)
	})

	t.Run("explicit sincedb and settings", func(t *testing.T) {
		r := require.New(t)
		raw := base()
		raw.SincedbPath = "/tmp/ledger"
		raw.S3AdditionalSetting = []string{"force_path_style=false", "ssl_verify_peer = false"}
		raw.SincedbStartValue = "app/a.log,1600000000"
		cli, err := parseArgs(raw)
		r.NoError(err)
		r.Equal("/tmp/ledger", cli.SincedbFile)
		r.False(cli.S3Settings.ForcePathStyle)
		r.True(cli.S3Settings.SkipSSLVerify)
		r.Equal("app/a.log", cli.StartValue.Key)
	})

	tests := []struct {
		name   string
		mutate func(*args)
		option string
	}{
		{"zero workers", func(a *args) { a.Workers = 0 }, "workers"},
		{"zero batch", func(a *args) { a.BatchSize = 0 }, "batch-size"},
		{"bad exclude", func(a *args) { a.ExcludePattern = "(" }, "exclude-pattern"},
		{"bad gzip pattern", func(a *args) { a.GzipPattern = "[" }, "gzip-pattern"},
		{"unknown setting", func(a *args) { a.S3AdditionalSetting = []string{"follow_redirects=true"} }, "s3-additional-setting"},
		{"not key value", func(a *args) { a.S3AdditionalSetting = []string{"force_path_style"} }, "s3-additional-setting"},
		{"backup to source", func(a *args) { a.BackupToBucket = "logs" }, "backup-to-bucket"},
		{"purge and reseed", func(a *args) {
			a.PurgeSincedb = true
			a.SincedbStartValue = "a"
		}, "purge-sincedb"},
		{"output format", func(a *args) { a.OutputFormat = "xml" }, "output-format"},
		{"no data dir", func(a *args) { a.DataDir = "" }, "data-dir"},
		{"start value older than ignore-older", func(a *args) {
			a.IgnoreOlder = 24 * time.Hour
			a.SincedbStartValue = "app/a.log,1600000000"
		}, "sincedb-start-value"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := base()
			tc.mutate(&raw)
			_, err := parseArgs(raw)
			var confErr *pipeline.ConfigurationError
			require.True(t, errors.As(err, &confErr), "got %v", err)
			assert.Equal(t, tc.option, confErr.Option)
		})
	}

	t.Run("start value within ignore-older", func(t *testing.T) {
		raw := base()
		raw.IgnoreOlder = 24 * time.Hour
		raw.SincedbStartValue = "app/a.log"
		cli, err := parseArgs(raw)
		require.NoError(t, err)
		require.Equal(t, "app/a.log", cli.StartValue.Key)
	})

	t.Run("backup to source with prefix", func(t *testing.T) {
		raw := base()
		raw.BackupToBucket = "logs"
		raw.BackupAddPrefix = "processed/"
		_, err := parseArgs(raw)
		require.NoError(t, err)
	})
}

func TestProgressAllowed(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	assert.False(t, progressAllowed(w.Fd()))

	f, err := os.Create(filepath.Join(t.TempDir(), "stderr"))
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, progressAllowed(f.Fd()))
}

func TestSinks(t *testing.T) {
	meta := map[string]interface{}{"s3": map[string]interface{}{"key": "a.log", "bucket": "logs"}}

	t.Run("line", func(t *testing.T) {
		var buf bytes.Buffer
		sink := newSink("line", &buf)
		require.NoError(t, sink.Emit([]byte("one"), meta))
		require.NoError(t, sink.Emit([]byte("two"), meta))
		require.Empty(t, buf.String())
		require.NoError(t, sink.(pipeline.Flusher).Flush(meta))
		require.Equal(t, "one\ntwo\n", buf.String())
	})

	t.Run("json", func(t *testing.T) {
		r := require.New(t)
		var buf bytes.Buffer
		sink := newSink("json", &buf)
		r.NoError(sink.Emit([]byte(`say "hi"`), meta))
		r.NoError(sink.(pipeline.Flusher).Flush(meta))

		var got struct {
			Message  string                 `json:"message"`
			Metadata map[string]interface{} `json:"@metadata"`
		}
		r.NoError(json.Unmarshal(buf.Bytes(), &got))
		r.Equal(`say "hi"`, got.Message)
		r.Equal("a.log", got.Metadata["s3"].(map[string]interface{})["key"])
	})
}

func TestSetupBackupBucket(t *testing.T) {
	r := require.New(t)
	st := storagetest.New("logs")

	r.NoError(setupBackupBucket(st, ""))
	r.False(st.HasBucket("backup"))

	r.NoError(setupBackupBucket(st, "backup"))
	r.True(st.HasBucket("backup"))
	r.NoError(setupBackupBucket(st, "backup"))
}

func TestSetupInputSinglePass(t *testing.T) {
	r := require.New(t)
	st := storagetest.New("logs")
	st.Put("app/a.log", []byte("a1\na2\n"), time.Now().Add(-time.Hour))
	st.Put("other/b.log", []byte("b1\n"), time.Now().Add(-time.Hour))

	raw := defaultArgs()
	raw.Source = "s3://logs/app/"
	raw.Watch = false
	raw.TemporaryDirectory = filepath.Join(t.TempDir(), "staging")
	raw.SincedbPath = filepath.Join(t.TempDir(), "sincedb")
	cli, err := parseArgs(raw)
	r.NoError(err)

	ledger, err := setupLedger(&cli, nil)
	r.NoError(err)
	var buf bytes.Buffer
	in, err := setupInput(&cli, st, ledger, newSink("line", &buf))
	r.NoError(err)
	r.NoError(in.Run())

	r.Equal("a1\na2\n", buf.String())
	r.Equal(uint64(1), in.Stats().Processed)
	r.DirExists(cli.TemporaryDirectory)
}

func TestReseed(t *testing.T) {
	r := require.New(t)
	raw := defaultArgs()
	raw.Source = "s3://logs/"
	raw.SincedbPath = filepath.Join(t.TempDir(), "sincedb")
	raw.SincedbStartValue = "app/b.log,1600000000"
	cli, err := parseArgs(raw)
	r.NoError(err)

	ledger, err := setupLedger(&cli, nil)
	r.NoError(err)
	r.NoError(reseed(ledger, &cli))

	ledger, err = setupLedger(&cli, nil)
	r.NoError(err)
	defer ledger.Close()
	r.Equal(1, ledger.Len())
	key, ok := ledger.OldestKey()
	r.True(ok)
	r.Equal("app/b.log", key)
}

func TestReseedWithIgnoreOlder(t *testing.T) {
	r := require.New(t)
	raw := defaultArgs()
	raw.Source = "s3://logs/"
	raw.SincedbPath = filepath.Join(t.TempDir(), "sincedb")
	raw.IgnoreOlder = time.Hour
	raw.SincedbStartValue = "app/b.log," + time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	cli, err := parseArgs(raw)
	r.NoError(err)

	ledger, err := setupLedger(&cli, nil)
	r.NoError(err)
	r.NoError(reseed(ledger, &cli))

	ledger, err = setupLedger(&cli, nil)
	r.NoError(err)
	defer ledger.Close()
	key, ok := ledger.OldestKey()
	r.True(ok)
	r.Equal("app/b.log", key)
}

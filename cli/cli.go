package main

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/larrabee/s3ingest/pipeline"
	"github.com/larrabee/s3ingest/remotefile"
	"github.com/larrabee/s3ingest/storage"
	"github.com/larrabee/s3ingest/storage/s3"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type argsParsed struct {
	args
	Source          connect
	S3RetryInterval time.Duration
	S3Settings      s3.Settings
	ExcludeRe       *regexp.Regexp
	GzipRe          *regexp.Regexp
	StartValue      *startValue
	SincedbFile     string
}

type connect struct {
	Type   storage.Type
	Bucket string
	Path   string
}

// startValue is the entry written by --sincedb-start-value.
type startValue struct {
	Key          string
	LastModified time.Time
}

type args struct {
	// Source config
	Source         string `arg:"positional,required" help:"Source: s3://bucket/prefix, minio://bucket/prefix, az://container/prefix, swift://container/prefix or fs:///dir"`
	SourceKey      string `arg:"--sk" help:"Source key (AWS access key, Azure account name, Swift user)"`
	SourceSecret   string `arg:"--ss" help:"Source secret (AWS secret key, Azure account key, Swift key)"`
	SourceToken    string `arg:"--st" help:"Source AWS session token"`
	SourceRegion   string `arg:"--sr" help:"Source AWS Region"`
	SourceEndpoint string `arg:"--se" help:"Source endpoint (S3/minio endpoint, Azure service URL, Swift auth URL)"`
	SourceNoSign   bool   `arg:"--sn" help:"Do not sign S3 requests"`
	SwiftTenant    string `arg:"--swift-tenant" help:"Swift tenant"`
	SwiftDomain    string `arg:"--swift-domain" help:"Swift domain"`
	MinioInsecure  bool   `arg:"--minio-insecure" help:"Use plain http for minio endpoint"`
	// S3 config
	S3Retry             uint     `arg:"--s3-retry" help:"Max numbers of retries of a failed S3 request"`
	S3RetryInterval     uint     `arg:"--s3-retry-sleep" help:"Sleep interval (sec) between S3 request retries"`
	S3AdditionalSetting []string `arg:"--s3-additional-setting,separate" help:"Transport setting key=value. Possible keys: force_path_style, use_accelerate_endpoint, use_dualstack_endpoint, ssl_verify_peer"`
	// Polling
	Interval       time.Duration `arg:"--interval" help:"Interval between bucket listings"`
	BatchSize      int           `arg:"--batch-size" help:"Objects per listing page"`
	UseStartAfter  bool          `arg:"--use-start-after" help:"List only keys after the last fetched one"`
	Watch          bool          `arg:"--watch-for-new-files" help:"Keep polling after the first pass"`
	IgnoreNewer    time.Duration `arg:"--ignore-newer" help:"Skip objects modified less than given duration ago"`
	IgnoreOlder    time.Duration `arg:"--ignore-older" help:"Skip objects modified more than given duration ago"`
	ExcludePattern string        `arg:"--exclude-pattern" help:"Skip keys matching regexp"`
	CheckArchived  bool          `arg:"--check-archived" help:"Skip GLACIER and DEEP_ARCHIVE objects without an available restore"`
	// Processing
	Workers                 int    `arg:"-w,--workers" help:"Workers count"`
	GzipPattern             string `arg:"--gzip-pattern" help:"Keys matching regexp are read as gzip"`
	GzipContentEncoding     bool   `arg:"--gzip-content-encoding" help:"Objects with Content-Encoding: gzip are read as gzip"`
	IncludeObjectProperties bool   `arg:"--include-object-properties" help:"Attach object properties to every line"`
	TemporaryDirectory      string `arg:"--temporary-directory" help:"Staging dir for downloaded objects, empty means memory"`
	FetchRetry              uint64 `arg:"--fetch-retry" help:"Retries of a transient download failure"`
	BrokenPipeRetries       int    `arg:"--broken-pipe-retries" help:"Retries of an object after a broken pipe"`
	RateLimitBandwidth      int    `arg:"--ratelimit-bandwidth" help:"Download bandwidth limit (bytes/sec)"`
	RateLimitObjPerSec      uint   `arg:"--ratelimit-objects" help:"Processed objects per second limit"`
	// Sincedb
	DataDir           string        `arg:"--data-dir" help:"Dir of the default sincedb file"`
	SincedbPath       string        `arg:"--sincedb-path" help:"Sincedb file, default is <data-dir>/sincedb_<md5(bucket+prefix)>"`
	SincedbExpire     time.Duration `arg:"--sincedb-expire" help:"Drop sincedb entries older than the newest entry by given duration"`
	SincedbFlushFatal bool          `arg:"--sincedb-flush-fatal" help:"Stop on sincedb write error"`
	PurgeSincedb      bool          `arg:"--purge-sincedb" help:"Delete sincedb file and exit"`
	SincedbStartValue string        `arg:"--sincedb-start-value" help:"Reseed sincedb with KEY[,TIME] and exit. TIME is RFC3339 or unix timestamp"`
	// Post processing
	BackupToBucket  string `arg:"--backup-to-bucket" help:"Copy processed objects to bucket"`
	BackupAddPrefix string `arg:"--backup-add-prefix" help:"Key prefix of the backup copies"`
	BackupToDir     string `arg:"--backup-to-dir" help:"Copy processed objects to local dir"`
	Delete          bool   `arg:"--delete" help:"Delete processed objects from source"`
	// Misc
	OutputFormat string `arg:"--output-format" help:"Output format. Possible values: line, json"`
	MetricsAddr  string `arg:"--metrics-addr" help:"Serve prometheus metrics on given address"`
	Debug        bool   `arg:"-d" help:"Show debug logging"`
	LogFormat    string `arg:"--log-format" help:"Log format. Possible values: text, json"`
	IngestLog    bool   `arg:"--ingest-log" help:"Log every processed object"`
	ShowProgress bool   `arg:"--progress,-p" help:"Show progress"`
}

// Version return program version string on human format
func (args) Version() string {
	return fmt.Sprintf("VersionId: %v, commit: %v, built at: %v", version, commit, date)
}

// Description return program description string
func (args) Description() string {
	return "Polls a bucket and streams lines of new objects to stdout"
}

func defaultArgs() args {
	rawCli := args{}
	rawCli.SourceRegion = "us-east-1"
	rawCli.S3Retry = 3
	rawCli.S3RetryInterval = 1
	rawCli.Interval = pipeline.DefaultInterval
	rawCli.BatchSize = pipeline.DefaultBatchSize
	rawCli.Watch = true
	rawCli.IgnoreNewer = pipeline.DefaultCutoff
	rawCli.CheckArchived = true
	rawCli.Workers = 4
	rawCli.GzipPattern = remotefile.DefaultGzipPattern.String()
	rawCli.TemporaryDirectory = filepath.Join(os.TempDir(), "s3ingest")
	rawCli.FetchRetry = remotefile.DefaultFetchRetries
	rawCli.BrokenPipeRetries = pipeline.DefaultBrokenPipeRetries
	rawCli.SincedbFlushFatal = true
	rawCli.OutputFormat = "line"
	rawCli.LogFormat = "text"
	if home, err := os.UserHomeDir(); err == nil {
		rawCli.DataDir = filepath.Join(home, ".s3ingest")
	}
	return rawCli
}

// GetCliArgs return cli args structure and error
func GetCliArgs() (argsParsed, error) {
	rawCli := defaultArgs()
	p := arg.MustParse(&rawCli)

	cli, err := parseArgs(rawCli)
	if err != nil {
		var confErr *pipeline.ConfigurationError
		if errors.As(err, &confErr) {
			p.Fail(confErr.Error())
		}
		return cli, err
	}
	if cli.ShowProgress && !progressAllowed(os.Stderr.Fd()) {
		p.Fail("Progress (--progress) require stderr to be a tty")
	}
	return cli, nil
}

// progressAllowed reports whether fd, where progress is rendered, is a terminal.
func progressAllowed(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// parseArgs validates raw args. Every invalid value is a ConfigurationError.
func parseArgs(rawCli args) (cli argsParsed, err error) {
	cli.args = rawCli

	if cli.Source, err = parseConn(rawCli.Source); err != nil {
		return cli, err
	}
	if cli.Workers < 1 {
		return cli, &pipeline.ConfigurationError{Option: "workers", Reason: "must be positive"}
	}
	if cli.BatchSize < 1 {
		return cli, &pipeline.ConfigurationError{Option: "batch-size", Reason: "must be positive"}
	}
	if cli.Interval <= 0 {
		return cli, &pipeline.ConfigurationError{Option: "interval", Reason: "must be positive"}
	}

	switch cli.OutputFormat {
	case "line", "json":
	default:
		return cli, &pipeline.ConfigurationError{Option: "output-format", Reason: "must be one of \"line, json\""}
	}
	switch cli.LogFormat {
	case "text", "json":
	default:
		return cli, &pipeline.ConfigurationError{Option: "log-format", Reason: "must be one of \"text, json\""}
	}

	if cli.ExcludePattern != "" {
		if cli.ExcludeRe, err = regexp.Compile(cli.ExcludePattern); err != nil {
			return cli, &pipeline.ConfigurationError{Option: "exclude-pattern", Reason: err.Error()}
		}
	}
	if cli.GzipPattern != "" {
		if cli.GzipRe, err = regexp.Compile(cli.GzipPattern); err != nil {
			return cli, &pipeline.ConfigurationError{Option: "gzip-pattern", Reason: err.Error()}
		}
	}

	settings, err := parseAdditionalSettings(cli.S3AdditionalSetting)
	if err != nil {
		return cli, err
	}
	if cli.S3Settings, err = s3.ParseSettings(settings); err != nil {
		return cli, &pipeline.ConfigurationError{Option: "s3-additional-setting", Reason: err.Error()}
	}
	cli.S3RetryInterval = time.Duration(cli.args.S3RetryInterval) * time.Second

	if cli.BackupToBucket != "" && cli.BackupToBucket == cli.Source.Bucket && cli.BackupAddPrefix == "" {
		return cli, &pipeline.ConfigurationError{Option: "backup-to-bucket", Reason: "backup to the source bucket requires --backup-add-prefix"}
	}

	if cli.PurgeSincedb && cli.SincedbStartValue != "" {
		return cli, &pipeline.ConfigurationError{Option: "purge-sincedb", Reason: "conflicts with --sincedb-start-value"}
	}
	if cli.SincedbStartValue != "" {
		now := time.Now()
		if cli.StartValue, err = parseStartValue(cli.SincedbStartValue, now); err != nil {
			return cli, err
		}
		// The ledger drops such an entry on close, the reseed would be lost.
		if cli.IgnoreOlder > 0 && now.Sub(cli.StartValue.LastModified) >= cli.IgnoreOlder {
			return cli, &pipeline.ConfigurationError{Option: "sincedb-start-value", Reason: "older than --ignore-older"}
		}
	}

	cli.SincedbFile = cli.SincedbPath
	if cli.SincedbFile == "" {
		if cli.DataDir == "" {
			return cli, &pipeline.ConfigurationError{Option: "data-dir", Reason: "required when --sincedb-path is not set"}
		}
		cli.SincedbFile = defaultSincedbPath(cli.DataDir, cli.Source)
	}
	return cli, nil
}

func parseConn(cStr string) (conn connect, err error) {
	u, err := url.Parse(cStr)
	if err != nil {
		return conn, &pipeline.ConfigurationError{Option: "source", Reason: err.Error()}
	}

	switch u.Scheme {
	case "s3":
		conn.Type = storage.TypeS3
	case "minio":
		conn.Type = storage.TypeMinio
	case "az":
		conn.Type = storage.TypeAz
	case "swift":
		conn.Type = storage.TypeSwift
	case "fs", "":
		conn.Type = storage.TypeFS
		conn.Path = u.Host + u.Path
		if u.Scheme == "" {
			conn.Path = cStr
		}
		if conn.Path == "" {
			return conn, &pipeline.ConfigurationError{Option: "source", Reason: "empty fs path"}
		}
		conn.Bucket = filepath.Clean(conn.Path)
		conn.Path = ""
		return conn, nil
	default:
		return conn, &pipeline.ConfigurationError{Option: "source", Reason: fmt.Sprintf("unknown scheme %q", u.Scheme)}
	}

	conn.Bucket = u.Host
	conn.Path = strings.TrimPrefix(u.Path, "/")
	if conn.Bucket == "" {
		return conn, &pipeline.ConfigurationError{Option: "source", Reason: "empty bucket name"}
	}
	return conn, nil
}

func parseAdditionalSettings(raw []string) (map[string]string, error) {
	res := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, &pipeline.ConfigurationError{Option: "s3-additional-setting", Reason: fmt.Sprintf("%q is not key=value", kv)}
		}
		res[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return res, nil
}

// parseStartValue parses KEY[,TIME]. TIME is RFC3339 or unix seconds, now if omitted.
func parseStartValue(raw string, now time.Time) (*startValue, error) {
	key, ts, hasTime := strings.Cut(raw, ",")
	if key == "" {
		return nil, &pipeline.ConfigurationError{Option: "sincedb-start-value", Reason: "empty key"}
	}
	sv := &startValue{Key: key, LastModified: now}
	if !hasTime {
		return sv, nil
	}

	ts = strings.TrimSpace(ts)
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		sv.LastModified = t
		return sv, nil
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, &pipeline.ConfigurationError{Option: "sincedb-start-value", Reason: fmt.Sprintf("bad time %q", ts)}
	}
	sv.LastModified = time.Unix(sec, 0)
	return sv, nil
}

// defaultSincedbPath keeps one ledger per bucket and prefix.
func defaultSincedbPath(dataDir string, conn connect) string {
	sum := md5.Sum([]byte(conn.Bucket + conn.Path))
	return filepath.Join(dataDir, "sincedb_"+hex.EncodeToString(sum[:]))
}

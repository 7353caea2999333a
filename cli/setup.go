package main

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/larrabee/s3ingest/pipeline"
	"github.com/larrabee/s3ingest/pipeline/collection"
	"github.com/larrabee/s3ingest/remotefile"
	"github.com/larrabee/s3ingest/sincedb"
	"github.com/larrabee/s3ingest/storage"
	"github.com/larrabee/s3ingest/storage/az"
	"github.com/larrabee/s3ingest/storage/fs"
	"github.com/larrabee/s3ingest/storage/minio"
	"github.com/larrabee/s3ingest/storage/s3"
	"github.com/larrabee/s3ingest/storage/swift"
	"github.com/pkg/errors"
)

func setupStorage(ctx context.Context, cli *argsParsed) (storage.Storage, error) {
	var sourceStorage storage.Storage
	var err error
	switch cli.Source.Type {
	case storage.TypeS3:
		sourceStorage = s3.NewS3Storage(cli.SourceNoSign, cli.SourceKey, cli.SourceSecret, cli.SourceToken, cli.SourceRegion, cli.SourceEndpoint,
			cli.Source.Bucket, int64(cli.BatchSize), cli.S3Retry, cli.S3RetryInterval, cli.S3Settings,
		)
	case storage.TypeMinio:
		sourceStorage, err = minio.NewMinioStorage(cli.SourceKey, cli.SourceSecret, cli.SourceToken, cli.SourceRegion, cli.SourceEndpoint,
			cli.Source.Bucket, cli.MinioInsecure,
		)
	case storage.TypeAz:
		sourceStorage, err = az.NewAzStorage(cli.SourceKey, cli.SourceSecret, cli.SourceEndpoint, cli.Source.Bucket, int32(cli.BatchSize))
	case storage.TypeSwift:
		sourceStorage, err = swift.NewStorage(cli.SourceKey, cli.SourceSecret, cli.SwiftTenant, cli.SwiftDomain, cli.SourceEndpoint,
			cli.Source.Bucket, cli.BatchSize, cli.S3Settings.SkipSSLVerify,
		)
	case storage.TypeFS:
		sourceStorage = fs.NewFSStorage(cli.Source.Bucket, 0644, 0755, os.Getpagesize()*256*32, true)
	}
	if err != nil {
		return nil, err
	}
	if sourceStorage == nil {
		return nil, errors.Errorf("source storage is nil")
	}

	sourceStorage.WithContext(ctx)

	if cli.RateLimitBandwidth > 0 {
		if err := sourceStorage.WithRateLimit(cli.RateLimitBandwidth); err != nil {
			return nil, errors.Wrap(err, "bandwidth limit")
		}
	}
	return sourceStorage, nil
}

// setupBackupBucket creates the backup bucket when it does not exist.
func setupBackupBucket(st storage.Storage, bucket string) error {
	if bucket == "" {
		return nil
	}
	err := st.HeadBucket(bucket)
	if err == nil {
		return nil
	}
	if !storage.IsErrNotExist(err) {
		return errors.Wrapf(err, "check backup bucket %s", bucket)
	}
	log.Infof("Backup bucket %s does not exist, creating it", bucket)
	return errors.Wrapf(st.CreateBucket(bucket), "create backup bucket %s", bucket)
}

func setupLedger(cli *argsParsed, onFlushError func(error)) (*sincedb.SinceDB, error) {
	return sincedb.Open(cli.SincedbFile, sincedb.Options{
		IgnoreOlder:  cli.IgnoreOlder,
		Expire:       cli.SincedbExpire,
		OnFlushError: onFlushError,
	})
}

// reseed replaces the ledger content with the --sincedb-start-value entry.
func reseed(ledger *sincedb.SinceDB, cli *argsParsed) error {
	ledger.Reseed(&storage.Object{
		Key:    aws.String(cli.StartValue.Key),
		Bucket: aws.String(cli.Source.Bucket),
		Mtime:  aws.Time(cli.StartValue.LastModified),
	})
	return ledger.Close()
}

func setupInput(cli *argsParsed, st storage.Storage, ledger *sincedb.SinceDB, sink pipeline.Sink) (*pipeline.Input, error) {
	if cli.TemporaryDirectory != "" {
		if err := os.MkdirAll(cli.TemporaryDirectory, 0700); err != nil {
			return nil, errors.Wrap(err, "create temporary directory")
		}
	}

	validator := collection.DefaultValidator(collection.Options{
		Source:        st,
		Ledger:        ledger,
		Cutoff:        cli.IgnoreNewer,
		IgnoreOlder:   cli.IgnoreOlder,
		Exclude:       cli.ExcludeRe,
		BackupBucket:  cli.BackupToBucket,
		BackupPrefix:  cli.BackupAddPrefix,
		CheckArchived: cli.CheckArchived,
	})
	log.Debugf("Processing policies: %s", validator)

	postOpts := collection.PostOptions{
		Source:       st,
		Ledger:       ledger,
		BackupBucket: cli.BackupToBucket,
		BackupPrefix: cli.BackupAddPrefix,
		BackupDir:    cli.BackupToDir,
		Delete:       cli.Delete,
	}
	if cli.IngestLog {
		postOpts.Logger = log
	}

	fileOpts := remotefile.DefaultOptions()
	fileOpts.TempDir = cli.TemporaryDirectory
	fileOpts.GzipPattern = cli.GzipRe
	fileOpts.UseContentEncoding = cli.GzipContentEncoding
	fileOpts.IncludeObjectProperties = cli.IncludeObjectProperties
	fileOpts.FetchRetries = cli.FetchRetry

	proc := pipeline.NewProcessor(st, validator, sink, fileOpts, collection.DefaultChain(postOpts)...)
	manager := pipeline.NewProcessorManager(proc, cli.Workers)
	manager.BrokenPipeRetries = cli.BrokenPipeRetries
	if cli.RateLimitObjPerSec > 0 {
		if err := manager.WithRateLimit(cli.RateLimitObjPerSec); err != nil {
			return nil, errors.Wrap(err, "objects rate limit")
		}
	}

	poller := pipeline.NewPoller(st, validator, ledger, pipeline.PollerOptions{
		Prefix:        cli.Source.Path,
		Interval:      cli.Interval,
		BatchSize:     cli.BatchSize,
		Cutoff:        cli.IgnoreNewer,
		UseStartAfter: cli.UseStartAfter,
		Watch:         cli.Watch,
	})
	return pipeline.NewInput(poller, manager, ledger), nil
}

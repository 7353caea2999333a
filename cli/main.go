// Package provides the cli util s3ingest.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/field-eng-powertools/stopper"
	"github.com/gosuri/uilive"
	"github.com/larrabee/s3ingest/pipeline"
	"github.com/larrabee/s3ingest/remotefile"
	"github.com/larrabee/s3ingest/sincedb"
	"github.com/larrabee/s3ingest/storage"
	"github.com/sirupsen/logrus"
)

var cli argsParsed
var log = logrus.New()
var live *uilive.Writer

// shutdownGrace is how long in-flight objects may take after a stop signal
// before their downloads are cancelled.
const shutdownGrace = 30 * time.Second

type ingestStatus int

const (
	statusOk ingestStatus = iota
	statusFailed
	statusAborted
	statusConfError
)

// setupLogger configures the logger and injects it into all packages.
func setupLogger(cli *argsParsed) {
	if cli.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	// Lines go to stdout, logs never do.
	log.SetOutput(os.Stderr)
	if cli.ShowProgress {
		live = uilive.New()
		live.Out = os.Stderr
		live.Start()
		log.SetOutput(live.Bypass())
		log.SetFormatter(&logrus.TextFormatter{ForceColors: true})
	}
	if cli.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	pipeline.Log = log
	storage.Log = log
	sincedb.Log = log
	remotefile.Log = log
}

func main() {
	var err error
	cli, err = GetCliArgs()
	if err != nil {
		log.Errorf("cli args parsing failed with error: %s", err)
		log.Exit(int(statusConfError))
	}
	setupLogger(&cli)
	status := run(&cli)
	if live != nil {
		live.Stop()
	}
	log.Exit(int(status))
}

func run(cli *argsParsed) ingestStatus {
	if cli.PurgeSincedb {
		if err := sincedb.Purge(cli.SincedbFile); err != nil {
			log.Errorf("Failed to purge sincedb, error: %s", err)
			return statusFailed
		}
		log.Infof("Sincedb %s purged", cli.SincedbFile)
		return statusOk
	}

	stop := stopper.WithContext(context.Background())
	defer stop.Stop(0)

	flushErrs := make(chan error, 1)
	onFlushError := func(err error) {
		if !cli.SincedbFlushFatal {
			return
		}
		select {
		case flushErrs <- err:
		default:
		}
	}
	ledger, err := setupLedger(cli, onFlushError)
	if err != nil {
		log.Errorf("Failed to open sincedb, error: %s", err)
		return statusFailed
	}
	log.Infof("Using sincedb %s with %d entries", ledger.Path(), ledger.Len())

	if cli.StartValue != nil {
		if err := reseed(ledger, cli); err != nil {
			log.Errorf("Failed to reseed sincedb, error: %s", err)
			return statusFailed
		}
		return statusOk
	}

	st, err := setupStorage(stop, cli)
	if err != nil {
		log.Errorf("Failed to setup storage, error: %s", err)
		_ = ledger.Close()
		return statusConfError
	}
	if err := setupBackupBucket(st, cli.BackupToBucket); err != nil {
		log.Errorf("Failed to setup backup bucket, error: %s", err)
		_ = ledger.Close()
		return statusFailed
	}
	in, err := setupInput(cli, st, ledger, newSink(cli.OutputFormat, os.Stdout))
	if err != nil {
		log.Errorf("Failed to setup input, error: %s", err)
		_ = ledger.Close()
		return statusConfError
	}

	if cli.MetricsAddr != "" {
		if err := metricsServer(stop, cli.MetricsAddr); err != nil {
			log.Errorf("Failed to start metrics server, error: %s", err)
			_ = ledger.Close()
			return statusFailed
		}
	}

	var aborted atomic.Bool
	sysStopChan := make(chan os.Signal, 1)
	signal.Notify(sysStopChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	stop.Go(func(ctx *stopper.Context) error {
		defer signal.Stop(sysStopChan)
		select {
		case <-ctx.Stopping():
		case recSignal := <-sysStopChan:
			log.Warnf("Receive signal: %s, terminating", recSignal.String())
			aborted.Store(true)
			ctx.Stop(shutdownGrace)
		}
		return nil
	})
	stop.Go(func(ctx *stopper.Context) error {
		select {
		case <-ctx.Stopping():
			return nil
		case err := <-flushErrs:
			log.Errorf("Sincedb flush failed, terminating")
			return err
		}
	})
	stop.Go(func(ctx *stopper.Context) error {
		<-ctx.Stopping()
		in.Stop()
		return nil
	})

	start := time.Now()
	if cli.ShowProgress {
		stop.Go(func(ctx *stopper.Context) error {
			printLiveStats(ctx, in, start)
			return nil
		})
	}

	log.Info("Starting ingest")
	stop.Go(func(ctx *stopper.Context) error {
		// A single pass is over, or Run returned after a stop request.
		defer ctx.Stop(0)
		return in.Run()
	})

	status := statusOk
	if err := stop.Wait(); err != nil {
		log.Errorf("Ingest error: %s", err)
		status = statusFailed
	} else if aborted.Load() {
		status = statusAborted
	}
	printFinalStats(in, status, start)
	return status
}

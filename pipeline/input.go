// Package pipeline polls a bucket and feeds new objects through a bounded worker pool.
package pipeline

import (
	"sync"

	"github.com/larrabee/s3ingest/remotefile"
	"github.com/larrabee/s3ingest/sincedb"
	"github.com/larrabee/s3ingest/storage"
	"github.com/sirupsen/logrus"
)

// Log implement Logrus logger for debug logging.
var Log = logrus.New()

func init() {
	storage.Log = Log
	sincedb.Log = Log
	remotefile.Log = Log
}

// Input ties the poller, the worker pool and the ledger into one lifecycle.
type Input struct {
	poller  *Poller
	manager *ProcessorManager
	ledger  *sincedb.SinceDB

	stopOnce sync.Once
}

// NewInput returns Input. ledger may be nil, otherwise it is closed when Run returns.
func NewInput(poller *Poller, manager *ProcessorManager, ledger *sincedb.SinceDB) *Input {
	poller.WithStats(manager.Stats())
	return &Input{poller: poller, manager: manager, ledger: ledger}
}

// Run starts the workers and polls until Stop is called or a single pass is over.
// On return all in-flight objects are finished and the ledger is flushed.
// A failed listing of a single pass is returned as *ListingError.
func (in *Input) Run() error {
	in.manager.Start()
	pollErr := in.poller.Run(in.manager)
	in.manager.Stop()

	if in.ledger != nil {
		if err := in.ledger.Close(); err != nil && pollErr == nil {
			return err
		}
	}
	return pollErr
}

// Stop requests stop, Run returns once workers finish their current objects.
func (in *Input) Stop() {
	in.stopOnce.Do(func() {
		Log.Info("Stopping input")
		in.poller.Stop()
		in.manager.stopped.Store(true)
	})
}

// Stats returns input statistics.
func (in *Input) Stats() Stats {
	return in.manager.Stats().Snapshot()
}

// Busy returns number of workers handling an object.
func (in *Input) Busy() int {
	return in.manager.Busy()
}

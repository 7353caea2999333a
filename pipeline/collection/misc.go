package collection

import (
	"github.com/larrabee/s3ingest/remotefile"
	"github.com/larrabee/s3ingest/sincedb"
	"github.com/sirupsen/logrus"
)

// MarkComplete records the object in the ledger.
//
// It is the first post processor: after a crash in a later one the object is
// not emitted again, at the cost of a possibly missed backup or delete.
type MarkComplete struct {
	Ledger *sincedb.SinceDB
}

// Name implements pipeline.PostProcessor.
func (p *MarkComplete) Name() string {
	return "MarkComplete"
}

// Process implements pipeline.PostProcessor.
func (p *MarkComplete) Process(f *remotefile.RemoteFile) error {
	p.Ledger.Completed(f.Object())
	return nil
}

// Logger print processed object name with Log.
type Logger struct {
	Log *logrus.Logger
}

// Name implements pipeline.PostProcessor.
func (p *Logger) Name() string {
	return "Logger"
}

// Process implements pipeline.PostProcessor.
func (p *Logger) Process(f *remotefile.RemoteFile) error {
	obj := f.Object()
	p.Log.WithFields(logrus.Fields{
		"bucket": obj.BucketString(),
		"etag":   obj.ETagString(),
		"size":   obj.Size(),
	}).Infof("Key: %s", obj.KeyString())
	return nil
}

package pipeline

import (
	"sync"
	"time"

	"github.com/larrabee/s3ingest/remotefile"
	"github.com/larrabee/s3ingest/sincedb"
	"github.com/larrabee/s3ingest/storage"
)

// PostProcessor is a side effect run after the content of an object was fully emitted.
// Process should be safe to run more than once for the same object.
type PostProcessor interface {
	Name() string
	Process(f *remotefile.RemoteFile) error
}

// Processor handles one work item: validate, download, emit, post process.
type Processor struct {
	source    storage.Storage
	validator *Validator
	sink      Sink
	fileOpts  remotefile.Options
	post      []PostProcessor
	stats     *Stats

	mu       sync.Mutex
	inflight map[sincedb.Key]struct{}
}

// NewProcessor returns a Processor. The post processor chain is fixed for its lifetime.
func NewProcessor(source storage.Storage, validator *Validator, sink Sink, fileOpts remotefile.Options, post ...PostProcessor) *Processor {
	return &Processor{
		source:    source,
		validator: validator,
		sink:      sink,
		fileOpts:  fileOpts,
		post:      append([]PostProcessor(nil), post...),
		stats:     &Stats{},
		inflight:  make(map[sincedb.Key]struct{}),
	}
}

// Stats returns processor statistics.
func (p *Processor) Stats() *Stats {
	return p.stats
}

// Handle processes obj. A rejected object is skipped without side effects,
// so is an object another worker is still handling.
// Returned errors are *ObjectError, the staging resource is always released.
func (p *Processor) Handle(obj *storage.Object) error {
	key := sincedb.KeyOf(obj)
	if !p.claim(key) {
		Log.WithField("key", obj.KeyString()).Debug("Skipped, already in flight")
		inflightSkipped.Inc()
		return nil
	}
	defer p.release(key)

	if ok, policy := p.validator.Validate(obj); !ok {
		Log.WithField("key", obj.KeyString()).Debugf("Skipped by policy: %s", policy.Name())
		p.stats.reject("worker", policy)
		return nil
	}
	p.stats.add(&p.stats.Accepted, 1)

	f := remotefile.New(p.source, obj, p.fileOpts)
	defer func() {
		if err := f.Cleanup(); err != nil {
			Log.WithError(err).WithField("key", f.Key()).Warn("Failed to release staging")
		}
	}()

	start := time.Now()
	if err := f.Download(); err != nil {
		return &ObjectError{Key: f.Key(), Stage: "download", Err: err}
	}
	downloadDuration.Observe(time.Since(start).Seconds())
	p.stats.add(&p.stats.Bytes, uint64(f.Object().Size()))

	lines, err := emitLines(f, p.sink)
	p.stats.add(&p.stats.Lines, lines)
	if err != nil {
		return &ObjectError{Key: f.Key(), Stage: "read", Err: err}
	}

	for _, pp := range p.post {
		if err := pp.Process(f); err != nil {
			postProcessorErrors.WithLabelValues(pp.Name()).Inc()
			entry := Log.WithError(err).WithField("key", f.Key())
			if storage.IsErrNotExist(err) {
				entry.Debugf("Post processor %s: object is gone", pp.Name())
			} else {
				entry.Errorf("Post processor %s failed", pp.Name())
			}
		}
	}

	p.stats.add(&p.stats.Processed, 1)
	processedCount.Inc()
	Log.WithField("key", f.Key()).Debugf("Processed, %d lines", lines)
	return nil
}

// claim marks key in flight. It returns false if it already is.
func (p *Processor) claim(key sincedb.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[key]; ok {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Processor) release(key sincedb.Key) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/larrabee/s3ingest/storage"
)

// Defaults of Poller.
const (
	DefaultInterval  = 60 * time.Second
	DefaultBatchSize = 1000
	DefaultCutoff    = 3 * time.Second
)

// Queue accepts listed candidates.
type Queue interface {
	Enqueue(obj *storage.Object) bool
}

// Watermark returns the lower bound of a cold start incremental listing.
type Watermark interface {
	OldestKey() (string, bool)
}

// PollerOptions configures Poller.
type PollerOptions struct {
	Prefix    string
	Interval  time.Duration
	BatchSize int
	// Cutoff defers objects modified less than Cutoff ago to a later tick.
	Cutoff time.Duration
	// UseStartAfter enables incremental listing after the last fetched key.
	UseStartAfter bool
	// Watch keeps polling on Interval, otherwise Run returns after one pass.
	Watch bool
	// Clock returns current time, time.Now if nil.
	Clock func() time.Time
}

// Poller periodically lists the source and offers candidates to a Queue.
type Poller struct {
	source    storage.Storage
	validator *Validator
	watermark Watermark
	opts      PollerOptions
	stats     *Stats

	// Only touched by the goroutine running Run or ListNewFiles.
	lastKeyFetched string

	stopped  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

type listing struct {
	objects []*storage.Object
	// full is true when a watermark listing returned a whole batch.
	full bool
	// advanced is true when the watermark moved forward.
	advanced bool
}

// NewPoller returns Poller. watermark may be nil.
func NewPoller(source storage.Storage, validator *Validator, watermark Watermark, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if validator == nil {
		validator = NewValidator()
	}
	return &Poller{
		source:    source,
		validator: validator,
		watermark: watermark,
		opts:      opts,
		stats:     &Stats{},
		stop:      make(chan struct{}),
	}
}

// WithStats makes poller count into s.
func (p *Poller) WithStats(s *Stats) {
	p.stats = s
}

// LastKeyFetched returns the current watermark.
func (p *Poller) LastKeyFetched() string {
	return p.lastKeyFetched
}

// Run polls until Stop is called, or after a single pass if Watch is off.
// Listing errors are logged and retried on the next tick. A single pass has no
// next tick, so its listing error is returned.
func (p *Poller) Run(queue Queue) error {
	var lastErr error
	for !p.stopped.Load() {
		res, err := p.poll()
		lastErr = err
		if err != nil {
			listingErrors.Inc()
			Log.WithError(err).Error("Listing failed")
		}

		for _, obj := range res.objects {
			if p.stopped.Load() || !queue.Enqueue(obj) {
				break
			}
		}

		if p.stopped.Load() {
			break
		}
		if err == nil && res.full && res.advanced {
			Log.Debugf("Full batch listed, listing again after %s", p.lastKeyFetched)
			continue
		}
		if !p.opts.Watch {
			Log.Debug("Single pass finished")
			break
		}
		p.sleep(p.opts.Interval)
	}
	Log.Debug("Poller stopped")
	if !p.opts.Watch {
		return lastErr
	}
	return nil
}

// Stop requests stop. An in-flight listing call is not interrupted.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stop)
	})
}

// ListNewFiles returns candidates of one listing, ordered by modification time.
func (p *Poller) ListNewFiles() ([]*storage.Object, error) {
	res, err := p.poll()
	return res.objects, err
}

func (p *Poller) poll() (listing, error) {
	opts := storage.ListOptions{Prefix: p.opts.Prefix, PageSize: p.opts.BatchSize}
	if p.opts.UseStartAfter {
		opts.Limit = p.opts.BatchSize
		opts.StartAfter = p.lastKeyFetched
		if opts.StartAfter == "" && p.watermark != nil {
			if key, ok := p.watermark.OldestKey(); ok {
				opts.StartAfter = key
				Log.Debugf("Cold start, listing after oldest processed key: %s", key)
			}
		}
	}

	listed, err := p.list(opts)
	if err != nil {
		return listing{}, &ListingError{Bucket: p.source.Bucket(), Prefix: p.opts.Prefix, Err: err}
	}
	p.stats.add(&p.stats.Listed, uint64(len(listed)))
	listedCount.Add(float64(len(listed)))

	now := p.opts.Clock()
	watermark := opts.StartAfter
	deferred := false
	inconsistent := false
	res := listing{objects: make([]*storage.Object, 0, len(listed))}

	for i, obj := range listed {
		if i > 0 && obj.MtimeValue().Before(listed[i-1].MtimeValue()) {
			inconsistent = true
		}
		if p.opts.Cutoff > 0 && now.Sub(obj.MtimeValue()) < p.opts.Cutoff {
			deferred = true
			continue
		}
		if !deferred {
			watermark = obj.KeyString()
		}
		if ok, policy := p.validator.Validate(obj); !ok {
			Log.WithField("key", obj.KeyString()).Debugf("Skipped by policy: %s", policy.Name())
			p.stats.reject("poller", policy)
			continue
		}
		res.objects = append(res.objects, obj)
	}

	if inconsistent && p.opts.UseStartAfter {
		listingInconsistent.Inc()
		Log.Warnf("Listing of %s is not ordered by modification time, incremental listing may miss or reorder objects", p.source.Bucket())
	}

	sort.SliceStable(res.objects, func(i, j int) bool {
		return res.objects[i].MtimeValue().Before(res.objects[j].MtimeValue())
	})

	if p.opts.UseStartAfter {
		res.full = len(listed) >= p.opts.BatchSize
		res.advanced = watermark != opts.StartAfter
		p.lastKeyFetched = watermark
	}
	Log.Debugf("Listed %d objects, %d candidates", len(listed), len(res.objects))
	return res, nil
}

func (p *Poller) list(opts storage.ListOptions) ([]*storage.Object, error) {
	if p.stopped.Load() {
		return nil, nil
	}
	ch := make(chan *storage.Object, p.opts.BatchSize)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.source.List(ch, opts)
		close(ch)
	}()

	var objs []*storage.Object
	for obj := range ch {
		objs = append(objs, obj)
	}
	return objs, <-errCh
}

func (p *Poller) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.stop:
	case <-timer.C:
	}
}

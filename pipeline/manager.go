package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/larrabee/ratelimit"
	"github.com/larrabee/s3ingest/storage"
	"github.com/pkg/errors"
)

// Defaults of ProcessorManager.
const (
	DefaultPollTimeout       = 150 * time.Millisecond
	DefaultBrokenPipeRetries = 10
	DefaultBrokenPipeSleep   = time.Second
)

// Handler processes one work item.
type Handler interface {
	Handle(obj *storage.Object) error
}

// ProcessorManager runs a fixed pool of workers fed through a zero capacity handoff.
//
// Enqueue blocks until a worker is ready to take the item, so the producer can
// never run ahead of the pool. Both sides wait on the handoff for at most
// PollTimeout before checking the stop flag again: a shorter timeout gives
// faster shutdown at the cost of more wakeups.
type ProcessorManager struct {
	PollTimeout       time.Duration
	BrokenPipeRetries int
	BrokenPipeSleep   time.Duration

	handler Handler
	workers int
	stats   *Stats
	handoff chan *storage.Object
	rl      ratelimit.Bucket

	stopped atomic.Bool
	started atomic.Bool
	busy    atomic.Int64
	wg      sync.WaitGroup
}

// NewProcessorManager returns manager with workers goroutines calling h.
// If h exposes Stats() *Stats (as *Processor does) the manager counts into it.
func NewProcessorManager(h Handler, workers int) *ProcessorManager {
	if workers < 1 {
		workers = 1
	}
	m := &ProcessorManager{
		PollTimeout:       DefaultPollTimeout,
		BrokenPipeRetries: DefaultBrokenPipeRetries,
		BrokenPipeSleep:   DefaultBrokenPipeSleep,
		handler:           h,
		workers:           workers,
		handoff:           make(chan *storage.Object),
		rl:                ratelimit.NewFakeBucket(),
	}
	if s, ok := h.(interface{ Stats() *Stats }); ok {
		m.stats = s.Stats()
	} else {
		m.stats = &Stats{}
	}
	return m
}

// WithRateLimit limits the number of handed off objects per second.
func (m *ProcessorManager) WithRateLimit(limit uint) error {
	bucket, err := ratelimit.NewBucketWithRate(float64(limit), int64(limit*2))
	if err != nil {
		return err
	}
	m.rl = bucket
	return nil
}

// Stats returns statistics shared with the handler.
func (m *ProcessorManager) Stats() *Stats {
	return m.stats
}

// Workers returns pool size.
func (m *ProcessorManager) Workers() int {
	return m.workers
}

// Busy returns number of workers handling an item right now.
func (m *ProcessorManager) Busy() int {
	return int(m.busy.Load())
}

// Start spawns the workers. It is a no-op on a started manager.
func (m *ProcessorManager) Start() {
	if m.started.Swap(true) {
		return
	}
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	Log.Debugf("Started %d workers", m.workers)
}

// Enqueue hands obj to a worker. It returns false if stop was requested before a
// worker took the item. A dropped item is listed again later since it was never
// recorded as processed.
func (m *ProcessorManager) Enqueue(obj *storage.Object) bool {
	m.rl.Wait(1)
	timer := time.NewTimer(m.PollTimeout)
	defer timer.Stop()

	for {
		if m.stopped.Load() {
			droppedCount.Inc()
			return false
		}
		select {
		case m.handoff <- obj:
			return true
		case <-timer.C:
			timer.Reset(m.PollTimeout)
		}
	}
}

// Stop requests stop and waits for all workers. In-flight items are finished first.
func (m *ProcessorManager) Stop() {
	m.stopped.Store(true)
	m.wg.Wait()
	Log.Debugf("All workers finished")
}

// Stopped reports whether stop was requested.
func (m *ProcessorManager) Stopped() bool {
	return m.stopped.Load()
}

func (m *ProcessorManager) worker(num int) {
	defer m.wg.Done()
	timer := time.NewTimer(m.PollTimeout)
	defer timer.Stop()

	for !m.stopped.Load() {
		select {
		case obj := <-m.handoff:
			Log.WithField("key", obj.KeyString()).Debugf("Worker %d: got item", num)
			m.busy.Add(1)
			busyWorkers.Inc()
			m.handle(obj)
			busyWorkers.Dec()
			m.busy.Add(-1)
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.PollTimeout)
	}
}

// handle runs the handler, retrying broken pipes with a fixed sleep.
// Per object errors are logged here and never leave the worker.
func (m *ProcessorManager) handle(obj *storage.Object) {
	entry := Log.WithField("key", obj.KeyString())
	for attempt := 0; ; attempt++ {
		err := m.handler.Handle(obj)
		switch {
		case err == nil:
			return
		case storage.IsErrNotExist(err):
			entry.Debug("Object no longer exists, skipped")
			goneCount.Inc()
			m.stats.add(&m.stats.Gone, 1)
			return
		case storage.IsErrBrokenPipe(err) && attempt < m.BrokenPipeRetries && !m.stopped.Load():
			entry.WithError(err).Warnf("Broken pipe, retry %d of %d in %s", attempt+1, m.BrokenPipeRetries, m.BrokenPipeSleep)
			brokenPipeRetries.Inc()
			time.Sleep(m.BrokenPipeSleep)
		default:
			entry.WithError(err).Error("Object abandoned")
			failedCount.WithLabelValues(stageOf(err)).Inc()
			m.stats.add(&m.stats.Failed, 1)
			return
		}
	}
}

func stageOf(err error) string {
	var oErr *ObjectError
	if errors.As(err, &oErr) {
		return oErr.Stage
	}
	return "unknown"
}

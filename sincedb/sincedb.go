// Package sincedb keeps the ledger of fully processed object versions.
//
// The ledger lives in memory and is periodically compacted and rewritten to a
// file, one JSON record per line. A record that cannot be decoded is skipped on
// load, so a crash in the middle of a write loses at most that record.
package sincedb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/larrabee/s3ingest/storage"
	"github.com/sirupsen/logrus"
)

// Log implement Logrus logger for debug logging.
var Log = logrus.New()

// DefaultFlushInterval is the period of the background compaction and flush.
const DefaultFlushInterval = time.Second

// Key identifies one object version.
// Two keys are equal only when key, etag and bucket all match, so a modified
// object (new etag) is unprocessed even if its key was seen before.
type Key struct {
	Key    string
	Etag   string
	Bucket string
}

// KeyOf returns ledger key of an object.
func KeyOf(obj *storage.Object) Key {
	return Key{Key: obj.KeyString(), Etag: obj.ETagString(), Bucket: obj.BucketString()}
}

// Value is what the ledger knows about a processed object.
type Value struct {
	LastModified time.Time
	// RecordedAt is the wall clock time of the completion, it is not persisted.
	RecordedAt time.Time
}

// Options configures SinceDB.
type Options struct {
	// IgnoreOlder drops entries modified more than IgnoreOlder ago. Zero disables.
	IgnoreOlder time.Duration
	// Expire drops entries modified more than Expire before the newest entry. Zero disables.
	Expire time.Duration
	// FlushInterval is the period of compaction and flush, DefaultFlushInterval if zero.
	FlushInterval time.Duration
	// OnFlushError is called by the background loop when the ledger cannot be written.
	OnFlushError func(err error)
	// Clock returns current time, time.Now if nil.
	Clock func() time.Time
}

// SinceDB is safe for concurrent use.
type SinceDB struct {
	path string
	opts Options

	mu sync.RWMutex
	db map[Key]Value

	// Serializes file writes between the background loop, Flush and Close.
	flushMu sync.Mutex

	dirty   atomic.Bool
	started atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// Open loads the ledger from path and starts the background compaction and flush.
// A missing file is an empty ledger.
func Open(path string, opts Options) (*SinceDB, error) {
	s := New(path, opts)
	if err := s.load(); err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}

// New returns an empty ledger bound to path without loading or starting it.
func New(path string, opts Options) *SinceDB {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &SinceDB{
		path: path,
		opts: opts,
		db:   make(map[Key]Value),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Path returns ledger file path.
func (s *SinceDB) Path() string {
	return s.path
}

// Start launches the background loop. It is a no-op on a started ledger.
func (s *SinceDB) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.bookkeeping()
}

// Processed reports whether this exact object version was completed.
func (s *SinceDB) Processed(obj *storage.Object) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.db[KeyOf(obj)]
	return ok
}

// Completed records object as processed.
func (s *SinceDB) Completed(obj *storage.Object) {
	s.mu.Lock()
	s.db[KeyOf(obj)] = Value{LastModified: obj.MtimeValue(), RecordedAt: s.opts.Clock()}
	entries := len(s.db)
	s.mu.Unlock()

	s.dirty.Store(true)
	ledgerEntries.Set(float64(entries))
}

// OldestKey returns the key of the entry with the smallest lastModified.
func (s *SinceDB) OldestKey() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest Key
	var oldestAt time.Time
	found := false
	for k, v := range s.db {
		if !found || v.LastModified.Before(oldestAt) ||
			(v.LastModified.Equal(oldestAt) && k.Key < oldest.Key) {
			oldest, oldestAt, found = k, v.LastModified, true
		}
	}
	return oldest.Key, found
}

// Reseed replaces the whole ledger with a single entry.
// It is meant to be followed by Close and process exit.
func (s *SinceDB) Reseed(obj *storage.Object) {
	s.mu.Lock()
	s.db = map[Key]Value{KeyOf(obj): {LastModified: obj.MtimeValue(), RecordedAt: s.opts.Clock()}}
	s.mu.Unlock()

	s.dirty.Store(true)
	ledgerEntries.Set(1)
	Log.Warnf("Ledger reseeded with key: %s, last modified: %s", obj.KeyString(), obj.MtimeValue())
}

// Len returns number of entries.
func (s *SinceDB) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.db)
}

// Compact drops expired entries and returns how many were removed.
//
// Candidates are chosen from a snapshot, an entry that was completed again
// after the snapshot is kept.
func (s *SinceDB) Compact() int {
	now := s.opts.Clock()

	s.mu.RLock()
	var newest time.Time
	for _, v := range s.db {
		if v.LastModified.After(newest) {
			newest = v.LastModified
		}
	}
	candidates := make(map[Key]Value)
	for k, v := range s.db {
		if s.opts.IgnoreOlder > 0 && now.Sub(v.LastModified) >= s.opts.IgnoreOlder {
			candidates[k] = v
			continue
		}
		if s.opts.Expire > 0 && len(s.db) > 1 && newest.Sub(v.LastModified) > s.opts.Expire {
			candidates[k] = v
		}
	}
	s.mu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	removed := 0
	s.mu.Lock()
	for k, v := range candidates {
		if cur, ok := s.db[k]; ok && cur == v {
			delete(s.db, k)
			removed++
		}
	}
	entries := len(s.db)
	s.mu.Unlock()

	if removed > 0 {
		s.dirty.Store(true)
		ledgerExpired.Add(float64(removed))
		Log.Debugf("Ledger compaction removed %d entries, %d left", removed, entries)
	}
	ledgerEntries.Set(float64(entries))
	return removed
}

// Flush writes the ledger to disk if it changed since the last flush.
func (s *SinceDB) Flush() error {
	if !s.dirty.Swap(false) {
		return nil
	}
	if err := s.write(); err != nil {
		s.dirty.Store(true)
		return err
	}
	return nil
}

// Close stops the background loop, compacts and synchronously writes the ledger.
func (s *SinceDB) Close() error {
	if s.stopped.Swap(true) {
		return nil
	}
	if s.started.Load() {
		close(s.stop)
		<-s.done
	}

	s.Compact()
	s.dirty.Store(false)
	if err := s.write(); err != nil {
		return err
	}
	Log.Debugf("Ledger %s closed with %d entries", s.path, s.Len())
	return nil
}

func (s *SinceDB) bookkeeping() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.periodicSync()
		}
	}
}

func (s *SinceDB) periodicSync() {
	s.Compact()
	if err := s.Flush(); err != nil {
		Log.WithError(err).Errorf("Failed to persist ledger %s", s.path)
		if s.opts.OnFlushError != nil {
			s.opts.OnFlushError(err)
		}
	}
}

// snapshot copies the ledger under read lock.
func (s *SinceDB) snapshot() map[Key]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make(map[Key]Value, len(s.db))
	for k, v := range s.db {
		res[k] = v
	}
	return res
}

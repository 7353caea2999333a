package sincedb

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
)

const maxRecordSize = 1 << 20

// PersistenceError is returned when the ledger file cannot be read or written.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("sincedb %s: %s", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// record is one line of the ledger file:
// {"key":["<key>","<etag>","<bucket>"],"value":[<last modified unix seconds>]}
type record struct {
	Key   []string `json:"key"`
	Value []int64  `json:"value"`
}

// Purge removes the ledger file, a missing file is not an error.
func Purge(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &PersistenceError{Path: path, Err: err}
	}
	return nil
}

func (s *SinceDB) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		Log.Debugf("Ledger %s does not exist, starting empty", s.path)
		return nil
	} else if err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}
	defer f.Close()

	now := s.opts.Clock()
	db := make(map[Key]Value)
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil || len(rec.Key) != 3 || rec.Key[0] == "" || len(rec.Value) < 1 {
			skipped++
			continue
		}
		db[Key{Key: rec.Key[0], Etag: rec.Key[1], Bucket: rec.Key[2]}] = Value{
			LastModified: time.Unix(rec.Value[0], 0),
			RecordedAt:   now,
		}
	}
	if err := scanner.Err(); err != nil {
		// A truncated tail is tolerated, everything decoded before it is kept.
		Log.WithError(err).Warnf("Ledger %s was read partially", s.path)
	}
	if skipped > 0 {
		Log.Warnf("Ledger %s: skipped %d malformed records", s.path, skipped)
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	ledgerEntries.Set(float64(len(db)))
	Log.Infof("Ledger %s loaded, %d entries", s.path, len(db))
	return nil
}

// write rewrites the whole ledger file through a temp file and rename.
func (s *SinceDB) write() (err error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	start := time.Now()
	defer func() {
		if err != nil {
			ledgerFlushErrors.Inc()
			err = &PersistenceError{Path: s.path, Err: err}
			return
		}
		ledgerFlushDuration.Observe(time.Since(start).Seconds())
	}()

	snap := s.snapshot()
	keys := make([]Key, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := snap[keys[i]].LastModified, snap[keys[j]].LastModified
		if a.Equal(b) {
			return keys[i].Key < keys[j].Key
		}
		return a.Before(b)
	})

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(f)
	for _, k := range keys {
		data, err := json.Marshal(record{
			Key:   []string{k.Key, k.Etag, k.Bucket},
			Value: []int64{snap[k].LastModified.Unix()},
		})
		if err != nil {
			return errors.Wrapf(err, "encode %s", k.Key)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

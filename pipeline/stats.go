package pipeline

import "sync/atomic"

// Stats keeps basic input statistics. Rejected counts rejections of both
// the poller and the workers.
type Stats struct {
	Listed    uint64
	Accepted  uint64
	Rejected  uint64
	Processed uint64
	Failed    uint64
	Gone      uint64
	Lines     uint64
	Bytes     uint64
}

// Snapshot returns a consistent per-field copy of stats.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Listed:    atomic.LoadUint64(&s.Listed),
		Accepted:  atomic.LoadUint64(&s.Accepted),
		Rejected:  atomic.LoadUint64(&s.Rejected),
		Processed: atomic.LoadUint64(&s.Processed),
		Failed:    atomic.LoadUint64(&s.Failed),
		Gone:      atomic.LoadUint64(&s.Gone),
		Lines:     atomic.LoadUint64(&s.Lines),
		Bytes:     atomic.LoadUint64(&s.Bytes),
	}
}

func (s *Stats) add(field *uint64, n uint64) {
	atomic.AddUint64(field, n)
}

// reject counts obj rejected by policy at stage, once per rejection.
func (s *Stats) reject(stage string, policy Policy) {
	s.add(&s.Rejected, 1)
	rejectedCount.WithLabelValues(stage, policy.Name()).Inc()
}

package pipeline

import (
	"sync/atomic"
	"time"
)

// Summary reports what one run did.
type Summary struct {
	RunID     string
	Scanned   int
	Seeded    int
	Reclaimed int
	Passes    int
	Batches   int64
	Done      int64
	Failed    int64
	Terminal  int64
	Skipped   int64
	Canceled  bool
	Duration  time.Duration
}

// Progress is sent after every finished batch.
type Progress struct {
	Pass      int
	Batches   int64
	Done      int64
	Failed    int64
	Skipped   int64
	Remaining int
}

type runStats struct {
	batches  atomic.Int64
	done     atomic.Int64
	failed   atomic.Int64
	terminal atomic.Int64
	skipped  atomic.Int64
}

func (s *runStats) processed() int64 {
	return s.done.Load() + s.failed.Load()
}

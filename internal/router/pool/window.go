package pool

import (
	"sync"
	"time"
)

// windowTracker maintains a ring buffer of one-minute buckets so a pool can
// report rolling 5-minute and 30-minute success rates alongside its lifetime
// counters, per the counters requirement in the processing pool design.
type windowTracker struct {
	mu      sync.Mutex
	buckets []minuteBucket
	epoch   time.Time
}

type minuteBucket struct {
	minute    int64
	processed int64
	succeeded int64
}

const windowBucketCount = 31 // 30 minutes of history plus the current bucket

func newWindowTracker() *windowTracker {
	return &windowTracker{
		buckets: make([]minuteBucket, windowBucketCount),
		epoch:   time.Now(),
	}
}

func (w *windowTracker) currentMinute() int64 {
	return int64(time.Since(w.epoch) / time.Minute)
}

func (w *windowTracker) recordProcessed(succeeded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	minute := w.currentMinute()
	idx := int(minute % windowBucketCount)
	b := &w.buckets[idx]
	if b.minute != minute {
		*b = minuteBucket{minute: minute}
	}
	b.processed++
	if succeeded {
		b.succeeded++
	}
}

func (w *windowTracker) snapshot(window time.Duration) windowStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	minute := w.currentMinute()
	minutes := int64(window / time.Minute)
	if minutes < 1 {
		minutes = 1
	}

	var stats windowStats
	for i := int64(0); i < minutes && i < windowBucketCount; i++ {
		target := minute - i
		if target < 0 {
			continue
		}
		b := w.buckets[target%windowBucketCount]
		if b.minute != target {
			continue
		}
		stats.Processed += b.processed
		stats.Succeeded += b.succeeded
	}
	return stats
}

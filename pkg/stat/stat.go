package stat

import (
	"sync/atomic"
)

// Cycle counts the results of update cycles.
type Cycle struct {
	succeeded        int64
	storageFailed    int64
	extractionFailed int64
	skippedTicks     int64
}

func (s *Cycle) Succeeded() int64 {
	return atomic.LoadInt64(&s.succeeded)
}

func (s *Cycle) StorageFailed() int64 {
	return atomic.LoadInt64(&s.storageFailed)
}

func (s *Cycle) ExtractionFailed() int64 {
	return atomic.LoadInt64(&s.extractionFailed)
}

func (s *Cycle) SkippedTicks() int64 {
	return atomic.LoadInt64(&s.skippedTicks)
}

func (s *Cycle) Success() {
	atomic.AddInt64(&s.succeeded, 1)
}

func (s *Cycle) StorageFailure() {
	atomic.AddInt64(&s.storageFailed, 1)
}

func (s *Cycle) ExtractionFailure() {
	atomic.AddInt64(&s.extractionFailed, 1)
}

func (s *Cycle) SkipTick() {
	atomic.AddInt64(&s.skippedTicks, 1)
}

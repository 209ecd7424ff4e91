package transport

import (
	"sync"
	"time"
)

// Stats tracks segment send durations for hung detection.
type Stats struct {
	mu       sync.Mutex
	sum      time.Duration
	finished int64
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful send duration.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finished++
}

// Average returns the average send duration, zero before the first segment finished.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// FinishedCount ...
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Hung reports whether a send running for elapsed exceeds the average by more than threshold.
func (s *Stats) Hung(elapsed, threshold time.Duration) bool {
	if threshold <= 0 || s.FinishedCount() == 0 {
		return false
	}
	return elapsed-s.Average() > threshold
}

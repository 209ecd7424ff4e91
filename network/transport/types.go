// Package transport sends files to a segmented upload endpoint: one multipart request per fixed-size segment,
// with bounded parallelism, per-segment retries and hung request detection.
package transport

import (
	"context"
	"sync"

	"github.com/bitrise-io/go-segupload/hasher"
)

// SegmentState is the transmission state of a segment.
type SegmentState int

const (
	StatePending SegmentState = iota
	StateSending
	StateSent
	StateFailedPermanent
	StateFailedRetryable
)

func (s SegmentState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSending:
		return "sending"
	case StateSent:
		return "sent"
	case StateFailedPermanent:
		return "failed-permanent"
	case StateFailedRetryable:
		return "failed-retryable"
	default:
		return "unknown"
	}
}

// Segment is the byte range [Start, End) of a file sent as one request.
// Index is 1-based, as on the wire.
type Segment struct {
	Index int
	Start int64
	End   int64

	mu       sync.Mutex
	state    SegmentState
	attempts int
}

// Size ...
func (s *Segment) Size() int64 {
	return s.End - s.Start
}

// State ...
func (s *Segment) State() SegmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts is the number of send attempts started so far.
func (s *Segment) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Segment) setState(state SegmentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Segment) startAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.state = StateSending
	return s.attempts
}

// Layout splits size bytes into segments of segmentSize. With force every segment is at most segmentSize and
// the last one is smaller; without it the last segment absorbs the remainder. There is always at least one segment.
func Layout(size, segmentSize int64, force bool) []*Segment {
	var count int64
	if force {
		count = (size + segmentSize - 1) / segmentSize
	} else {
		count = size / segmentSize
	}
	if count < 1 {
		count = 1
	}

	segments := make([]*Segment, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * segmentSize
		end := start + segmentSize
		if end > size || (!force && i == count-1) {
			end = size
		}
		segments = append(segments, &Segment{Index: int(i) + 1, Start: start, End: end})
	}
	return segments
}

// File is a blob registered with the transport.
type File struct {
	Blob             hasher.Blob
	Name             string
	Size             int64
	UniqueIdentifier string

	segments []*Segment

	mu          sync.Mutex
	wholeDigest *hasher.Task
	cancel      context.CancelFunc
}

// Segments returns the ordered segments of the file.
func (f *File) Segments() []*Segment {
	return f.segments
}

// SetWholeDigest attaches the background digest of the whole file.
func (f *File) SetWholeDigest(task *hasher.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wholeDigest = task
}

// WholeDigest returns the whole file digest task, nil if it was never started.
func (f *File) WholeDigest() *hasher.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wholeDigest
}

// SentBytes is the number of bytes acknowledged by the server.
func (f *File) SentBytes() int64 {
	var sent int64
	for _, s := range f.segments {
		if s.State() == StateSent {
			sent += s.Size()
		}
	}
	return sent
}

// Complete reports whether every segment was acknowledged.
func (f *File) Complete() bool {
	for _, s := range f.segments {
		if s.State() != StateSent {
			return false
		}
	}
	return true
}

func (f *File) setCancel(cancel context.CancelFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancel = cancel
}

func (f *File) abort() {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Observer receives transport events.
type Observer interface {
	// FileAdded is called once a file got its identifier and was registered.
	FileAdded(file *File)
	// FileSuccess is called when every segment of file was acknowledged.
	FileSuccess(file *File)
	// Error is called with the response body of a permanently failed segment.
	Error(message string, file *File)
	// Progress is called with the aggregate fraction sent after every acknowledged segment.
	Progress(fraction float64)
	// Complete is called when an Upload call finished, successfully or not.
	Complete()
}

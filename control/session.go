package control

import (
	"context"
	"sync"

	"github.com/bitrise-io/go-segupload/network/transport"
	"github.com/google/uuid"
)

// State is the state of an upload session.
type State int

const (
	StateIdle State = iota
	StateHashing
	StateUploading
	StateFinalizing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHashing:
		return "hashing"
	case StateUploading:
		return "uploading"
	case StateFinalizing:
		return "finalizing-polling"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// session is the upload of one selected file. Selecting another file cancels its context,
// which stops its hashing, requests and finalize polling.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	file          *transport.File
	progress      float64
	indeterminate bool

	finalizeOnce sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	token        string
	err          error
}

func newSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:     uuid.New().String(),
		ctx:    ctx,
		cancel: cancel,
		state:  StateHashing,
		done:   make(chan struct{}),
	}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *session) File() *transport.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file
}

func (s *session) setFile(file *transport.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file = file
}

// queued reports whether a file is registered, or still getting its identifier.
func (s *session) queued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateFailed && (s.file != nil || s.state == StateHashing)
}

func (s *session) setProgress(fraction float64, indeterminate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = fraction
	s.indeterminate = indeterminate
}

func (s *session) Progress() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress, s.indeterminate
}

// finish moves the session to a terminal state. Only the first call has an effect.
func (s *session) finish(token string, err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		if err != nil {
			s.state = StateFailed
		} else {
			s.state = StateSucceeded
		}
		s.token = token
		s.err = err
		s.mu.Unlock()

		close(s.done)
	})
}

func (s *session) wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return s.token, s.err
	}
}

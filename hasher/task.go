package hasher

import (
	"context"
	"sync"
)

// Task is a digest computation running in the background.
type Task struct {
	done   chan struct{}
	once   sync.Once
	digest string
	err    error
}

// Start computes the digest of blob in a new goroutine and returns immediately.
// Cancelling ctx stops the scan at the next block boundary and resolves the task with ctx.Err().
func (h Hasher) Start(ctx context.Context, blob Blob, mode Mode) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		digest, err := h.Digest(ctx, blob, mode)
		t.resolve(digest, err)
	}()
	return t
}

// Resolved returns a Task that is already complete. Useful for tests and for digests known up front.
func Resolved(digest string, err error) *Task {
	t := &Task{done: make(chan struct{})}
	t.resolve(digest, err)
	return t
}

func (t *Task) resolve(digest string, err error) {
	t.once.Do(func() {
		t.digest = digest
		t.err = err
		close(t.done)
	})
}

// Done is closed once the digest is available or the computation failed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the digest and error if the task has completed; ok is false while it is still running.
func (t *Task) Result() (digest string, ok bool, err error) {
	select {
	case <-t.done:
		return t.digest, true, t.err
	default:
		return "", false, nil
	}
}

// Wait blocks until the task completes or ctx is done.
func (t *Task) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.done:
		return t.digest, t.err
	}
}

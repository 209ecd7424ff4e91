package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-segupload/hasher"
	"github.com/bitrise-io/go-segupload/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrUploadInProgress is returned by Upload while a previous call is still running.
var ErrUploadInProgress = errors.New("upload already in progress")

// Transport handles parallel segment sends with retry and hung detection.
type Transport struct {
	config   Config
	client   *retryablehttp.Client
	observer Observer
	logger   log.Logger
	stats    *Stats

	mu        sync.Mutex
	files     []*File
	uploading bool
}

// New creates a Transport. The client should not retry on its own: every attempt recomputes its parameters
// through the preprocess hook, so retries are driven here using the client's CheckRetry and Backoff.
func New(config Config, client *retryablehttp.Client, observer Observer, logger log.Logger) (*Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	if client == nil {
		client = network.NewSingleAttemptClient(logger, nil)
	}
	if observer == nil {
		observer = nopObserver{}
	}

	return &Transport{
		config:   config,
		client:   client,
		observer: observer,
		logger:   logger,
		stats:    NewStats(),
	}, nil
}

// AddFile computes the identifier of blob and registers it. The file is only registered, and FileAdded only
// fired, once the identifier is known, so no segment can be sent without one.
func (t *Transport) AddFile(ctx context.Context, blob hasher.Blob, name string) (*File, error) {
	identifier, err := t.config.GenerateIdentifier(ctx, blob, name)
	if err != nil {
		return nil, fmt.Errorf("generate identifier of %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file := &File{
		Blob:             blob,
		Name:             name,
		Size:             blob.Size(),
		UniqueIdentifier: identifier,
		segments:         Layout(blob.Size(), t.config.SegmentSize, t.config.ForceSegmentSize),
	}

	t.mu.Lock()
	t.files = append(t.files, file)
	t.mu.Unlock()

	t.logger.Debugf("Registered %s (%s) as %d segment(s), identifier: %s",
		name, units.BytesSize(float64(file.Size)), len(file.segments), identifier)
	t.observer.FileAdded(file)

	return file, nil
}

// RemoveFile unregisters file and aborts its in-flight segments.
func (t *Transport) RemoveFile(file *File) {
	t.mu.Lock()
	files := t.files[:0]
	for _, f := range t.files {
		if f != file {
			files = append(files, f)
		}
	}
	t.files = files
	t.mu.Unlock()

	file.abort()
}

// Files returns the registered files.
func (t *Transport) Files() []*File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*File(nil), t.files...)
}

// IsUploading ...
func (t *Transport) IsUploading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploading
}

// Progress returns the acknowledged fraction of all registered bytes.
func (t *Transport) Progress() float64 {
	files := t.Files()

	var total, sent int64
	complete := true
	for _, f := range files {
		total += f.Size
		sent += f.SentBytes()
		if !f.Complete() {
			complete = false
		}
	}

	if total == 0 {
		if len(files) > 0 && complete {
			return 1
		}
		return 0
	}
	return float64(sent) / float64(total)
}

// Upload sends the pending segments of every registered file and blocks until they are all settled.
// FileSuccess fires per completed file, Error per permanently failed file and Complete once at the end.
func (t *Transport) Upload(ctx context.Context) error {
	t.mu.Lock()
	if t.uploading {
		t.mu.Unlock()
		return ErrUploadInProgress
	}
	t.uploading = true
	files := append([]*File(nil), t.files...)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.uploading = false
		t.mu.Unlock()

		t.observer.Complete()
	}()

	var uploadErr error
	for _, file := range files {
		if file.Complete() {
			continue
		}
		if err := t.uploadFile(ctx, file); err != nil && uploadErr == nil {
			uploadErr = err
		}
	}

	return uploadErr
}

type segmentResult struct {
	segment *Segment
	err     error
}

func (t *Transport) uploadFile(ctx context.Context, file *File) error {
	fileCtx, cancel := context.WithCancel(ctx)
	file.setCancel(cancel)
	defer cancel()

	var pending []*Segment
	for _, s := range file.segments {
		if s.State() != StateSent {
			pending = append(pending, s)
		}
	}

	t.logger.Infof("Uploading %s: %d segment(s) pending", file.Name, len(pending))

	results := make(chan segmentResult, len(pending))
	semaphore := make(chan struct{}, t.config.Concurrency)

	for _, segment := range pending {
		go func(segment *Segment) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			results <- segmentResult{segment: segment, err: t.sendWithRetry(fileCtx, file, segment)}
		}(segment)
	}

	var failure error
	for i := 0; i < len(pending); i++ {
		result := <-results
		if result.err == nil {
			t.observer.Progress(t.Progress())
			continue
		}
		if failure == nil {
			failure = result.err
			cancel()
		}
	}

	if failure != nil {
		var transportErr *network.TransportError
		if errors.As(failure, &transportErr) {
			t.logger.Errorf("Upload of %s failed: %s", file.Name, transportErr)
			t.observer.Error(transportErr.Message, file)
			return transportErr
		}
		t.logger.Warnf("Upload of %s stopped: %s", file.Name, failure)
		return failure
	}

	t.logger.Donef("All %d segment(s) of %s acknowledged", len(file.segments), file.Name)
	t.observer.FileSuccess(file)

	return nil
}

func (t *Transport) sendWithRetry(ctx context.Context, file *File, segment *Segment) error {
	maxAttempts := t.config.MaxRetryPerSegment + 1
	count := len(file.segments)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			segment.setState(StatePending)
			return err
		}

		n := segment.startAttempt()
		t.logger.Debugf("Sending segment %d/%d of %s (attempt %d/%d) [finished=%d] [avg=%v]",
			segment.Index, count, file.Name, attempt, maxAttempts,
			t.stats.FinishedCount(), t.stats.Average().Round(time.Millisecond))

		start := time.Now()
		attemptCtx, cancelAttempt := context.WithCancel(ctx)

		// The last attempt is never cut short.
		if attempt < maxAttempts && t.config.HungThreshold > 0 {
			go t.detectHung(attemptCtx, cancelAttempt, start, segment)
		}

		err := t.sendAttempt(attemptCtx, file, segment, n == 1)
		hung := attemptCtx.Err() != nil && ctx.Err() == nil
		cancelAttempt()

		if err == nil {
			took := time.Since(start)
			t.stats.Update(took)
			segment.setState(StateSent)
			t.logger.Debugf("Segment %d/%d of %s sent in %v", segment.Index, count, file.Name, took.Round(time.Millisecond))
			return nil
		}

		if ctx.Err() != nil {
			segment.setState(StatePending)
			return ctx.Err()
		}

		var transportErr *network.TransportError
		if errors.As(err, &transportErr) && network.IsPermanent(transportErr.StatusCode, t.config.PermanentErrors) {
			segment.setState(StateFailedPermanent)
			return transportErr
		}

		segment.setState(StateFailedRetryable)
		lastErr = err

		if !hung && transportErr == nil {
			if retry, checkErr := t.client.CheckRetry(ctx, nil, err); !retry {
				if checkErr != nil {
					err = checkErr
				}
				segment.setState(StateFailedPermanent)
				return &network.TransportError{Message: err.Error(), Err: err}
			}
		}

		if attempt == maxAttempts {
			break
		}

		wait := t.client.Backoff(t.client.RetryWaitMin, t.client.RetryWaitMax, attempt-1, nil)
		if hung {
			t.logger.Warnf("Segment %d attempt %d cancelled (hung), retrying after %v", segment.Index, attempt, wait)
		} else {
			t.logger.Warnf("Segment %d attempt %d failed: %s, retrying after %v", segment.Index, attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			segment.setState(StatePending)
			return ctx.Err()
		case <-timer.C:
		}
	}

	var transportErr *network.TransportError
	if errors.As(lastErr, &transportErr) {
		return transportErr
	}
	return &network.TransportError{Message: lastErr.Error(), Err: fmt.Errorf("segment %d: %w", segment.Index, lastErr)}
}

func (t *Transport) detectHung(ctx context.Context, cancel context.CancelFunc, start time.Time, segment *Segment) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(start)
			if t.stats.Hung(elapsed, t.config.HungThreshold) {
				t.logger.Warnf("Found hung send of segment %d; canceling request after %s (avg: %s)",
					segment.Index, elapsed.Round(time.Second), t.stats.Average().Round(time.Second))
				cancel()
				return
			}
		}
	}
}

type nopObserver struct{}

func (nopObserver) FileAdded(*File)     {}
func (nopObserver) FileSuccess(*File)   {}
func (nopObserver) Error(string, *File) {}
func (nopObserver) Progress(float64)    {}
func (nopObserver) Complete()           {}

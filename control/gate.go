package control

import (
	"context"
	"fmt"
	"time"
)

// GateState is the state of a control's submission gate.
type GateState int

const (
	GateIdle GateState = iota
	GateBlockedUploading
	GateBlockedHashing
	GateBlockedErrors
	GateReady
)

func (s GateState) String() string {
	switch s {
	case GateIdle:
		return "idle"
	case GateBlockedUploading:
		return "blocked-uploading"
	case GateBlockedHashing:
		return "blocked-hashing"
	case GateBlockedErrors:
		return "blocked-errors"
	case GateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// GateState ...
func (c *Control) GateState() GateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateState
}

func (c *Control) setGateState(s *session, state GateState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s {
		c.gateState = state
	}
}

// Intercept is called on every submission of the form. The submission is cancelled while an upload runs,
// while the field is required but empty, or while a file is queued but no token was written yet.
// The first cancelled submission of a selection starts its upload.
func (c *Control) Intercept(ctx context.Context) bool {
	c.mu.Lock()

	if c.disabled || !c.activated {
		c.mu.Unlock()
		return false
	}

	s := c.session
	queued := s != nil && s.queued()
	empty := c.field.Value() == ""

	if !(c.transport.IsUploading() || (c.config.Required && empty) || (queued && empty)) {
		c.gateState = GateReady
		c.mu.Unlock()
		return false
	}

	c.logger.Debugf("Submission of %s is still pending", c.config.FieldName)

	if c.started {
		c.mu.Unlock()
		return true
	}

	var show func()
	switch {
	case c.errors.Len() > 0:
		c.gateState = GateBlockedErrors
		show = func() {
			c.logger.Warnf("Cannot upload because there are errors to correct.")
			c.errors.RenderAndFocus()
		}
	case queued:
		c.started = true
		c.gateState = GateBlockedHashing
		s.setState(StateHashing)
		s.setProgress(0, true)
		show = func() {
			c.indicator.Start()
			c.indicator.HideBrowse()
			go c.run(s)
		}
	case c.config.Required:
		c.gateState = GateBlockedErrors
		show = func() {
			c.errors.Clear()
			c.errors.Add(requiredMessage, "")
			c.errors.Render()
		}
	}
	c.mu.Unlock()

	if show != nil {
		show()
	}
	return true
}

// run waits for the whole file digest of the queued file, then uploads it.
func (c *Control) run(s *session) {
	ticker := time.NewTicker(c.config.GateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		ready, err := c.hashed(s)
		if err != nil {
			c.logger.Errorf("Upload of session %s aborted: %s", s.id, err)
			c.indicator.Reset()
			c.errors.RenderAndFocus()
			c.failSession(s, err)
			return
		}
		if ready {
			break
		}
		c.logger.Debugf("Waiting on file digest to start upload")
	}

	s.setState(StateUploading)
	s.setProgress(0, false)
	c.setGateState(s, GateBlockedUploading)

	if err := c.transport.Upload(s.ctx); err != nil {
		c.logger.Debugf("Upload of session %s returned: %s", s.id, err)
	}
}

// hashed reports whether the whole file digest of the session's file is available. Errors abort the start.
func (c *Control) hashed(s *session) (bool, error) {
	if c.errors.Len() > 0 {
		return false, &ValidationError{Records: c.errors.Records()}
	}

	file := s.File()
	if file == nil {
		if s.State() == StateHashing {
			return false, nil
		}
		return false, ErrNotStarted
	}

	task := file.WholeDigest()
	if task == nil {
		return false, nil
	}
	_, ok, err := task.Result()
	if err != nil {
		c.errors.Add(fmt.Sprintf("Unable to read %s.", file.Name), file.Name)
		return false, fmt.Errorf("whole file digest: %w", err)
	}
	return ok, nil
}

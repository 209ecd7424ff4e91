// Package control implements an upload control: it negotiates the endpoint, uploads the selected file in
// segments, polls for the materialization token and holds back the submission of its form until the token
// is written into the control's hidden field.
package control

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/bitrise-io/go-segupload/errorlist"
	"github.com/bitrise-io/go-segupload/hasher"
	"github.com/bitrise-io/go-segupload/network"
	"github.com/bitrise-io/go-segupload/network/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Control is one upload control. At most one upload session is active at a time.
type Control struct {
	config     Config
	form       *Form
	field      *Field
	errors     *errorlist.List
	indicator  Indicator
	negotiator *network.Negotiator
	cookies    network.CookieStore
	deps       Dependencies
	hasher     hasher.Hasher
	logger     log.Logger

	// selectMu serializes file selections; a selection holds it until its file is registered.
	selectMu sync.Mutex

	mu           sync.Mutex
	activated    bool
	disabled     bool
	capabilities network.Capabilities
	transport    *transport.Transport
	poller       *network.Poller
	session      *session
	started      bool
	gateState    GateState
}

// New creates a control and its hidden field in deps.Form. The control does nothing until Activate.
func New(config Config, deps Dependencies, logger log.Logger) (*Control, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	if deps.Negotiator == nil {
		deps.Negotiator = network.NewNegotiator(network.NewSingleAttemptClient(logger, deps.Jar), logger)
	}
	if deps.Cookies == nil {
		endpoint, err := url.Parse(config.Endpoint)
		if err != nil {
			return nil, &ConfigError{Field: "Endpoint", Reason: fmt.Sprintf("is invalid: %s", err)}
		}
		deps.Cookies = network.JarCookieStore{Jar: deps.Jar, URL: endpoint}
	}
	if deps.Renderer == nil {
		deps.Renderer = errorlist.LogRenderer{Logger: logger}
	}
	if deps.Indicator == nil {
		deps.Indicator = LogIndicator{Logger: logger}
	}

	return &Control{
		config:     config,
		form:       deps.Form,
		field:      deps.Form.Field(config.FieldName),
		errors:     errorlist.New(deps.Renderer),
		indicator:  deps.Indicator,
		negotiator: deps.Negotiator,
		cookies:    deps.Cookies,
		deps:       deps,
		hasher:     hasher.New(config.HashBlockSize, logger),
		logger:     logger,
	}, nil
}

// Activate negotiates the capabilities of the endpoint, configures the segment transport and attaches the
// control's gate to the form. A failed negotiation disables the control for good.
func (c *Control) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.disabled {
		c.mu.Unlock()
		return ErrDisabled
	}
	if c.activated {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	capabilities, err := c.negotiator.Capabilities(ctx, c.config.Endpoint)
	if err != nil {
		c.logger.Warnf("Failed to get options of %s, disabling %s: %s", c.config.Endpoint, c.config.FieldName, err)
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		return err
	}

	segmentHasher := hasher.New(capabilities.SegmentSize, c.logger)

	config := transport.DefaultConfig()
	config.Target = c.config.Endpoint
	config.SegmentSize = capabilities.SegmentSize
	config.ForceSegmentSize = true
	config.Concurrency = c.config.Concurrency
	config.PermanentErrors = network.PermanentStatuses
	config.TestSegments = c.config.TestSegments
	config.Preprocess = c.preprocess
	config.Headers = c.headers
	config.GenerateIdentifier = func(ctx context.Context, blob hasher.Blob, name string) (string, error) {
		return c.generateIdentifier(ctx, segmentHasher, capabilities, blob, name)
	}

	tr, err := transport.New(config, network.NewSingleAttemptClient(c.logger, c.deps.Jar), observer{c: c}, c.logger)
	if err != nil {
		return &ConfigError{Field: "Transport", Reason: err.Error()}
	}

	c.mu.Lock()
	c.capabilities = capabilities
	c.transport = tr
	c.poller = network.NewPoller(network.NewSingleAttemptClient(c.logger, c.deps.Jar), c.config.PollInterval, c.logger)
	c.activated = true
	c.mu.Unlock()

	c.form.Attach(c)
	c.indicator.Browse(noSelectionLabel)

	c.logger.Infof("Activated %s: up to %s per file", c.config.FieldName, units.BytesSize(float64(capabilities.MaxFileSize())))

	return nil
}

// Select discards the current session and starts a new one for blob. It returns once the file got its
// identifier and was registered; the whole file digest keeps computing in the background.
// An oversized file is registered but yields a *ValidationError and is never sent.
func (c *Control) Select(ctx context.Context, blob hasher.Blob, name string) error {
	c.mu.Lock()
	switch {
	case c.disabled:
		c.mu.Unlock()
		return ErrDisabled
	case !c.activated:
		c.mu.Unlock()
		return ErrNotActivated
	case c.started:
		c.mu.Unlock()
		return ErrStarted
	}
	previous := c.session
	s := newSession()
	c.session = s
	c.gateState = GateIdle
	c.mu.Unlock()

	if previous != nil {
		c.logger.Debugf("Discarding upload session %s", previous.id)
		previous.cancel()
		previous.finish("", context.Canceled)
	}

	c.selectMu.Lock()
	defer c.selectMu.Unlock()

	if err := s.ctx.Err(); err != nil {
		return err
	}

	c.errors.Clear()
	c.indicator.Reset()
	c.field.reset(s.id)
	c.logger.Debugf("Upload session %s: selected %s (%s)", s.id, name, units.BytesSize(float64(blob.Size())))

	addCtx, stop := mergeContext(s.ctx, ctx)
	defer stop()

	file, err := c.transport.AddFile(addCtx, blob, name)
	if err != nil {
		if ctxErr := addCtx.Err(); ctxErr != nil {
			if s.ctx.Err() == nil {
				c.failSession(s, ctxErr)
			}
			return ctxErr
		}
		c.logger.Warnf("Failed to register %s: %s", name, err)
		c.errors.Add(fmt.Sprintf("Unable to read %s.", name), name)
		c.errors.Render()
		c.failSession(s, err)
		return err
	}

	if !c.isCurrent(s) {
		return context.Canceled
	}
	c.mu.Lock()
	if !c.started {
		s.setState(StateIdle)
	}
	c.mu.Unlock()
	if c.errors.Len() > 0 {
		return &ValidationError{Records: c.errors.Records()}
	}
	c.logger.Debugf("Upload session %s: %s queued", s.id, file.Name)

	return nil
}

// Token returns the materialization token, empty until the upload succeeded.
func (c *Control) Token() string {
	return c.field.Value()
}

// Field returns the hidden field of the control.
func (c *Control) Field() *Field {
	return c.field
}

// Errors returns the current error records.
func (c *Control) Errors() []errorlist.Record {
	return c.errors.Records()
}

// Capabilities returns the negotiated capabilities of the endpoint.
func (c *Control) Capabilities() network.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// Disabled reports whether the negotiation of the control failed.
func (c *Control) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// State returns the state of the current session, StateIdle without one.
func (c *Control) State() State {
	s := c.currentSession()
	if s == nil {
		return StateIdle
	}
	return s.State()
}

// Progress returns the fraction sent, or indeterminate while hashing or finalizing.
func (c *Control) Progress() (fraction float64, indeterminate bool) {
	s := c.currentSession()
	if s == nil {
		return 0, false
	}
	return s.Progress()
}

// Wait blocks until the started upload of the current session succeeded or failed and returns the token.
// Without a started upload it returns right away: a *ValidationError if there are error records,
// the token if one was already written, ErrNotStarted otherwise.
func (c *Control) Wait(ctx context.Context) (string, error) {
	c.mu.Lock()
	disabled := c.disabled
	s := c.session
	started := c.started
	c.mu.Unlock()

	if disabled {
		return "", ErrDisabled
	}
	if s != nil && (started || s.State() == StateSucceeded || s.State() == StateFailed) {
		return s.wait(ctx)
	}
	if c.errors.Len() > 0 {
		return "", &ValidationError{Records: c.errors.Records()}
	}
	if token := c.field.Value(); token != "" {
		return token, nil
	}
	return "", ErrNotStarted
}

// Close cancels the current session and detaches the control from its form.
func (c *Control) Close() {
	c.form.Detach(c)
	if s := c.currentSession(); s != nil {
		s.cancel()
		s.finish("", context.Canceled)
	}
}

func (c *Control) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Control) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == s
}

// failSession resets the control to the state before the selection.
func (c *Control) failSession(s *session, err error) {
	if file := s.File(); file != nil && c.transport != nil {
		c.transport.RemoveFile(file)
	}
	s.setFile(nil)
	s.finish("", err)

	c.mu.Lock()
	if c.session == s {
		c.started = false
		c.gateState = GateIdle
	}
	c.mu.Unlock()

	c.indicator.Browse(noSelectionLabel)
}

// mergeContext returns a context done when either parent is done.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

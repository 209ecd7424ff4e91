package control

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-segupload/hasher"
	"github.com/bitrise-io/go-segupload/identifier"
	"github.com/bitrise-io/go-segupload/network"
	"github.com/bitrise-io/go-segupload/network/transport"
)

// generateIdentifier drops the previously registered files and builds the identifier of blob from the
// digest of its first segments.
func (c *Control) generateIdentifier(ctx context.Context, h hasher.Hasher, capabilities network.Capabilities, blob hasher.Blob, name string) (string, error) {
	for _, f := range c.transport.Files() {
		c.logger.Debugf("Removing previously selected file: %s", f.Name)
		c.transport.RemoveFile(f)
	}

	digest, err := h.Digest(ctx, blob, hasher.Prefix(identifier.PrefixSegments))
	if err != nil {
		return "", err
	}

	id, err := identifier.Build(identifier.Params{
		PartialDigest:  digest,
		ChunkSize:      capabilities.SegmentSize,
		ForceChunkSize: true,
		Name:           name,
		Size:           blob.Size(),
	})
	if err != nil {
		return "", err
	}
	c.logger.Debugf("Generated unique identifier: %s", id)

	return id, nil
}

// preprocess digests the exact range of segment before each of its send attempts.
func (c *Control) preprocess(ctx context.Context, file *transport.File, segment *transport.Segment) (map[string]string, error) {
	digest, err := c.hasher.Digest(ctx, file.Blob, hasher.Range(segment.Start, segment.End))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"digest":    digest,
		"algorithm": hasher.Algorithm,
	}, nil
}

func (c *Control) headers() map[string]string {
	return map[string]string{network.CSRFHeaderName: network.CSRFToken(c.cookies)}
}

// observer handles the events of the control's transport.
type observer struct {
	c *Control
}

// sessionOf returns the current session if file belongs to it.
func (o observer) sessionOf(file *transport.File) *session {
	s := o.c.currentSession()
	if s == nil || s.File() != file {
		return nil
	}
	return s
}

func (o observer) FileAdded(file *transport.File) {
	c := o.c
	s := c.currentSession()
	if s == nil || s.ctx.Err() != nil {
		return
	}
	s.setFile(file)

	c.errors.Clear()
	c.indicator.Reset()
	c.indicator.Browse(file.Name)

	if maxSize := c.Capabilities().MaxFileSize(); maxSize < file.Size {
		c.errors.Add(fileTooLargeMessage(maxSize, file.Size), file.Name)
		c.errors.Render()
		return
	}

	// Segments are not held back by the whole file digest, only the start of the upload is.
	file.SetWholeDigest(c.hasher.Start(s.ctx, file.Blob, hasher.Whole()))
}

func (o observer) FileSuccess(file *transport.File) {
	s := o.sessionOf(file)
	if s == nil {
		return
	}
	s.finalizeOnce.Do(func() {
		go o.c.finalize(s, file)
	})
}

func (o observer) Error(message string, file *transport.File) {
	if o.sessionOf(file) == nil {
		return
	}
	o.c.errors.AddMessage(message, file.Name)
}

func (o observer) Progress(fraction float64) {
	if s := o.c.currentSession(); s != nil {
		s.setProgress(fraction, false)
	}
	o.c.indicator.Progress(fraction)
}

func (o observer) Complete() {
	c := o.c
	s := c.currentSession()
	if s == nil || s.ctx.Err() != nil {
		return
	}
	if state := s.State(); state == StateSucceeded || state == StateFailed {
		return
	}

	if c.errors.Len() == 0 {
		s.setProgress(1, true)
		c.indicator.Indeterminate()
		return
	}

	records := c.errors.Records()
	c.indicator.Reset()
	c.errors.Render()
	c.failSession(s, &network.TransportError{Message: records[0].Message})
}

// finalize polls the endpoint for the materialization token of file and hands it to the form.
func (c *Control) finalize(s *session, file *transport.File) {
	s.setState(StateFinalizing)
	s.setProgress(1, true)
	c.setGateState(s, GateBlockedUploading)

	digest, err := file.WholeDigest().Wait(s.ctx)
	if err != nil {
		c.finalizeFailed(s, fmt.Errorf("whole file digest: %w", err))
		return
	}

	c.mu.Lock()
	poller := c.poller
	c.mu.Unlock()

	token, err := poller.Poll(s.ctx, c.config.Endpoint, network.FinalizeRequest{
		Identifier: file.UniqueIdentifier,
		Digest:     digest,
		Algorithm:  hasher.Algorithm,
		CSRFToken:  network.CSRFToken(c.cookies),
	})
	if err != nil {
		c.finalizeFailed(s, err)
		return
	}

	if !c.field.write(s.id, token) {
		c.logger.Debugf("Upload session %s is no longer current, dropping its token", s.id)
		return
	}

	c.logger.Donef("Materialization of %s succeeded", file.Name)
	s.finish(token, nil)
	c.indicator.Indeterminate()
	c.indicator.Success()
	c.setGateState(s, GateReady)

	c.form.Detach(c)
	if _, err := c.form.Submit(s.ctx); err != nil {
		c.logger.Errorf("Failed to submit form: %s", err)
	}
}

func (c *Control) finalizeFailed(s *session, err error) {
	if s.ctx.Err() != nil {
		return
	}

	c.logger.Errorf("Materialization failed: %s", err)

	c.errors.Clear()
	c.errors.Add(finalizeFailedMessage, "")
	c.errors.Render()

	c.indicator.Progress(1)
	c.indicator.Failure()

	c.failSession(s, err)
}

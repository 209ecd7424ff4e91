package control

import (
	"context"
	"net/url"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Submitter performs the native submission of a form.
type Submitter interface {
	Submit(ctx context.Context, values url.Values) error
}

// Gate can hold back the submission of a form.
type Gate interface {
	// Intercept reports whether the submission must be cancelled.
	Intercept(ctx context.Context) bool
}

// Form is a form holding upload controls. Submissions go through every attached gate first.
type Form struct {
	submitter Submitter
	logger    log.Logger

	mu     sync.Mutex
	values url.Values
	fields []*Field
	gates  []Gate

	once      sync.Once
	submitted chan struct{}
	err       error
}

// NewForm creates a form with the given regular field values.
func NewForm(submitter Submitter, values url.Values, logger log.Logger) *Form {
	if values == nil {
		values = url.Values{}
	}
	return &Form{
		submitter: submitter,
		logger:    logger,
		values:    values,
		submitted: make(chan struct{}),
	}
}

// Field returns the hidden field called name, creating it on first use.
func (f *Form) Field(name string) *Field {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, field := range f.fields {
		if field.name == name {
			return field
		}
	}
	field := newField(name)
	f.fields = append(f.fields, field)
	return field
}

// Attach adds g to the gates asked on every submission.
func (f *Form) Attach(g Gate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, gate := range f.gates {
		if gate == g {
			return
		}
	}
	f.gates = append(f.gates, g)
}

// Detach removes g from the gates.
func (f *Form) Detach(g Gate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	gates := f.gates[:0]
	for _, gate := range f.gates {
		if gate != g {
			gates = append(gates, gate)
		}
	}
	f.gates = gates
}

// Values returns the regular values merged with the hidden fields.
func (f *Form) Values() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()

	values := url.Values{}
	for k, v := range f.values {
		values[k] = append([]string(nil), v...)
	}
	for _, field := range f.fields {
		values.Set(field.name, field.Value())
	}
	return values
}

// Submit asks every attached gate and performs the native submission if none of them intercepted it.
// It reports whether the submission went through. Every gate is asked even after one intercepted.
func (f *Form) Submit(ctx context.Context) (bool, error) {
	f.mu.Lock()
	gates := append([]Gate(nil), f.gates...)
	f.mu.Unlock()

	intercepted := false
	for _, g := range gates {
		if g.Intercept(ctx) {
			intercepted = true
		}
	}
	if intercepted {
		f.logger.Debugf("Form submission is still pending")
		return false, nil
	}

	err := f.submitter.Submit(ctx, f.Values())
	if err != nil {
		f.logger.Warnf("Form submission failed: %s", err)
	}

	f.once.Do(func() {
		f.err = err
		close(f.submitted)
	})

	return true, err
}

// Submitted is closed after the first native submission.
func (f *Form) Submitted() <-chan struct{} {
	return f.submitted
}

// Wait blocks until the form was natively submitted and returns the error of that submission.
func (f *Form) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.submitted:
		return f.err
	}
}

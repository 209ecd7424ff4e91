package control

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticGate struct {
	intercept bool
	calls     int
}

func (g *staticGate) Intercept(context.Context) bool {
	g.calls++
	return g.intercept
}

type failingSubmitter struct{}

func (failingSubmitter) Submit(context.Context, url.Values) error {
	return errors.New("connection refused")
}

func TestForm_SubmitAsksEveryGate(t *testing.T) {
	// Given
	submitter := &recordingSubmitter{}
	form := NewForm(submitter, url.Values{"title": {"report"}}, log.NewLogger())
	blocking := &staticGate{intercept: true}
	passing := &staticGate{}
	form.Attach(blocking)
	form.Attach(passing)
	form.Attach(blocking)

	// When
	submitted, err := form.Submit(context.Background())

	// Then
	require.NoError(t, err)
	assert.False(t, submitted)
	assert.Equal(t, 1, blocking.calls)
	assert.Equal(t, 1, passing.calls)
	assert.Equal(t, 0, submitter.count())

	select {
	case <-form.Submitted():
		t.Fatal("form must not be submitted while a gate intercepts")
	default:
	}

	// When
	form.Detach(blocking)
	submitted, err = form.Submit(context.Background())

	// Then
	require.NoError(t, err)
	assert.True(t, submitted)
	assert.Equal(t, 1, blocking.calls)
	require.Equal(t, 1, submitter.count())
	assert.Equal(t, "report", submitter.values[0].Get("title"))
	assert.NoError(t, form.Wait(context.Background()))
}

func TestForm_ValuesIncludeHiddenFields(t *testing.T) {
	form := NewForm(&recordingSubmitter{}, nil, log.NewLogger())
	field := form.Field("attachment")
	field.reset("session-1")
	require.True(t, field.write("session-1", "tok"))

	assert.Same(t, field, form.Field("attachment"))
	assert.Equal(t, url.Values{"attachment": {"tok"}}, form.Values())
}

func TestForm_SubmitError(t *testing.T) {
	form := NewForm(failingSubmitter{}, nil, log.NewLogger())

	submitted, err := form.Submit(context.Background())

	assert.True(t, submitted)
	assert.EqualError(t, err, "connection refused")
	assert.EqualError(t, form.Wait(context.Background()), "connection refused")
}

func TestForm_WaitCancelled(t *testing.T) {
	form := NewForm(&recordingSubmitter{}, nil, log.NewLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, form.Wait(ctx), context.Canceled)
}

func TestField_WriteOncePerSession(t *testing.T) {
	tests := []struct {
		name      string
		writes    []string
		session   string
		wantOK    []bool
		wantValue string
	}{
		{
			name:      "owner writes once",
			session:   "s1",
			writes:    []string{"s1"},
			wantOK:    []bool{true},
			wantValue: "tok-0",
		},
		{
			name:      "second write is dropped",
			session:   "s1",
			writes:    []string{"s1", "s1"},
			wantOK:    []bool{true, false},
			wantValue: "tok-0",
		},
		{
			name:      "stale session cannot write",
			session:   "s2",
			writes:    []string{"s1", "s2"},
			wantOK:    []bool{false, true},
			wantValue: "tok-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field := newField("attachment")
			field.reset(tt.session)

			for i, s := range tt.writes {
				assert.Equal(t, tt.wantOK[i], field.write(s, "tok-"+string(rune('0'+i))))
			}
			assert.Equal(t, tt.wantValue, field.Value())
		})
	}
}

func TestField_ResetClearsValue(t *testing.T) {
	field := newField("attachment")
	field.reset("s1")
	require.True(t, field.write("s1", "tok"))

	field.reset("s2")

	assert.Empty(t, field.Value())
	assert.Equal(t, "attachment", field.Name())
}

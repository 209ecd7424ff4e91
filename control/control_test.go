package control

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-segupload/errorlist"
	"github.com/bitrise-io/go-segupload/identifier"
	"github.com/bitrise-io/go-segupload/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	status int
	body   string
}

// uploadServer is a segmented upload endpoint with 10 byte segments and a limit of 5 segments.
type uploadServer struct {
	t             *testing.T
	optionsStatus int
	segmentReply  reply
	finalize      []reply

	mu               sync.Mutex
	options          int
	segmentPosts     int
	segments         map[string][]byte
	finalizeRequests []url.Values
	finalizePaths    []string
	csrfHeaders      []string
}

func newUploadServer(t *testing.T, finalize ...reply) *uploadServer {
	return &uploadServer{
		t:            t,
		segmentReply: reply{status: http.StatusCreated},
		finalize:     finalize,
		segments:     map[string][]byte{},
	}
}

func (s *uploadServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodOptions:
		s.options++
		if s.optionsStatus != 0 {
			w.WriteHeader(s.optionsStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"validation": {"segment_limit": 5, "segment_allowable_size": 10}}`)
	case http.MethodGet:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		s.csrfHeaders = append(s.csrfHeaders, r.Header.Get(network.CSRFHeaderName))

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			s.segmentPosts++
			require.NoError(s.t, r.ParseMultipartForm(1<<20))
			part, _, err := r.FormFile("file")
			require.NoError(s.t, err)
			var buf bytes.Buffer
			_, err = buf.ReadFrom(part)
			require.NoError(s.t, err)
			s.segments[r.FormValue("index")] = buf.Bytes()

			w.WriteHeader(s.segmentReply.status)
			fmt.Fprint(w, s.segmentReply.body)
			return
		}

		require.NoError(s.t, r.ParseForm())
		s.finalizeRequests = append(s.finalizeRequests, r.PostForm)
		s.finalizePaths = append(s.finalizePaths, r.URL.Path)

		next := s.finalize[len(s.finalize)-1]
		if len(s.finalizeRequests) <= len(s.finalize) {
			next = s.finalize[len(s.finalizeRequests)-1]
		}
		w.WriteHeader(next.status)
		fmt.Fprint(w, next.body)
	}
}

type recordingSubmitter struct {
	mu     sync.Mutex
	values []url.Values
}

func (s *recordingSubmitter) Submit(ctx context.Context, values url.Values) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, values)
	return nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

type recordingRenderer struct {
	mu      sync.Mutex
	shown   [][]errorlist.Record
	focused int
}

func (r *recordingRenderer) Show(records []errorlist.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, records)
}

func (r *recordingRenderer) Focus() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focused++
}

func (r *recordingRenderer) Hide() {}

type testEnv struct {
	server    *httptest.Server
	upload    *uploadServer
	form      *Form
	submitter *recordingSubmitter
	renderer  *recordingRenderer
	control   *Control
}

func newTestEnv(t *testing.T, upload *uploadServer, configure func(*Config)) *testEnv {
	t.Helper()

	server := httptest.NewServer(upload)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	jar.SetCookies(serverURL, []*http.Cookie{{Name: network.CSRFCookieName, Value: "csrf-secret", Path: "/"}})

	logger := log.NewLogger()
	submitter := &recordingSubmitter{}
	form := NewForm(submitter, url.Values{"title": {"report"}}, logger)
	renderer := &recordingRenderer{}

	config := DefaultConfig()
	config.Endpoint = server.URL + "/upload/"
	config.FieldName = "attachment"
	config.PollInterval = 10 * time.Millisecond
	config.GateInterval = 10 * time.Millisecond
	if configure != nil {
		configure(&config)
	}

	c, err := New(config, Dependencies{Form: form, Jar: jar, Renderer: renderer}, logger)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &testEnv{
		server:    server,
		upload:    upload,
		form:      form,
		submitter: submitter,
		renderer:  renderer,
		control:   c,
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var testData = []byte("0123456789abcdefghijKLMNO")

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestControl_UploadFinalizeAndSubmit(t *testing.T) {
	// Given
	upload := newUploadServer(t,
		reply{status: http.StatusMultipleChoices, body: "/status/42/"},
		reply{status: http.StatusOK},
		reply{status: http.StatusOK},
		reply{status: http.StatusOK, body: "tok123"},
	)
	env := newTestEnv(t, upload, nil)
	ctx := testContext(t)
	c := env.control

	require.NoError(t, c.Activate(ctx))
	require.NoError(t, c.Select(ctx, bytes.NewReader(testData), "data.bin"))

	// When
	submitted, err := env.form.Submit(ctx)
	require.NoError(t, err)
	assert.False(t, submitted)

	token, err := c.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, env.form.Wait(ctx))

	// Then
	assert.Equal(t, "tok123", token)
	assert.Equal(t, "tok123", c.Token())
	assert.Equal(t, StateSucceeded, c.State())
	assert.Empty(t, c.Errors())

	require.Equal(t, 1, env.submitter.count())
	assert.Equal(t, "tok123", env.submitter.values[0].Get("attachment"))
	assert.Equal(t, "report", env.submitter.values[0].Get("title"))

	upload.mu.Lock()
	defer upload.mu.Unlock()

	assert.Equal(t, 3, upload.segmentPosts)
	assert.Equal(t, testData, append(append(upload.segments["1"], upload.segments["2"]...), upload.segments["3"]...))

	require.Len(t, upload.finalizeRequests, 4)
	assert.Equal(t, []string{"/upload/", "/status/42/", "/status/42/", "/status/42/"}, upload.finalizePaths)

	wantIdentifier, err := identifier.Build(identifier.Params{
		PartialDigest:  md5Hex(testData),
		ChunkSize:      10,
		ForceChunkSize: true,
		Name:           "data.bin",
		Size:           int64(len(testData)),
	})
	require.NoError(t, err)
	for _, r := range upload.finalizeRequests {
		assert.Equal(t, wantIdentifier, r.Get("identifier"))
		assert.Equal(t, md5Hex(testData), r.Get("digest"))
		assert.Equal(t, "md5", r.Get("algorithm"))
		assert.Equal(t, "csrf-secret", r.Get(network.CSRFFormField))
	}
	for _, h := range upload.csrfHeaders {
		assert.Equal(t, "csrf-secret", h)
	}
}

func TestControl_TokenPresentSubmissionProceeds(t *testing.T) {
	upload := newUploadServer(t, reply{status: http.StatusOK, body: "tok"})
	env := newTestEnv(t, upload, func(c *Config) { c.Required = true })
	ctx := testContext(t)
	c := env.control

	require.NoError(t, c.Activate(ctx))
	require.NoError(t, c.Select(ctx, bytes.NewReader(testData), "data.bin"))
	_, err := env.form.Submit(ctx)
	require.NoError(t, err)
	_, err = c.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, env.form.Wait(ctx))

	assert.Eventually(t, func() bool { return !c.Intercept(ctx) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, GateReady, c.GateState())

	submitted, err := env.form.Submit(ctx)
	require.NoError(t, err)
	assert.True(t, submitted)
	assert.Equal(t, 2, env.submitter.count())
}

// slowBlob holds back reads spanning the whole blob until release is closed.
type slowBlob struct {
	*bytes.Reader
	release chan struct{}
}

func (b slowBlob) ReadAt(p []byte, off int64) (int, error) {
	if int64(len(p)) == b.Size() {
		<-b.release
	}
	return b.Reader.ReadAt(p, off)
}

func TestControl_HashingUntilWholeDigestIsReady(t *testing.T) {
	// Given
	upload := newUploadServer(t, reply{status: http.StatusOK, body: "tok"})
	env := newTestEnv(t, upload, nil)
	ctx := testContext(t)
	c := env.control
	blob := slowBlob{Reader: bytes.NewReader(testData), release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(blob.release) }) }
	t.Cleanup(release)

	require.NoError(t, c.Activate(ctx))
	require.NoError(t, c.Select(ctx, blob, "data.bin"))
	assert.Equal(t, StateIdle, c.State())

	// When
	_, err := env.form.Submit(ctx)
	require.NoError(t, err)

	// Then
	assert.Never(t, func() bool { return c.State() != StateHashing }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, GateBlockedHashing, c.GateState())
	upload.mu.Lock()
	assert.Empty(t, upload.segments)
	upload.mu.Unlock()

	release()
	token, err := c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	assert.Equal(t, StateSucceeded, c.State())
}

func TestControl_OversizedFile(t *testing.T) {
	// Given
	upload := newUploadServer(t, reply{status: http.StatusOK, body: "tok"})
	env := newTestEnv(t, upload, nil)
	ctx := testContext(t)
	c := env.control
	require.NoError(t, c.Activate(ctx))

	// When
	err := c.Select(ctx, bytes.NewReader(make([]byte, 51)), "big.bin")

	// Then
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, []errorlist.Record{{
		Message: "File is too large. File size must be less than 50 bytes. This one is 51 bytes.",
		File:    "big.bin",
	}}, c.Errors())

	submitted, err := env.form.Submit(ctx)
	require.NoError(t, err)
	assert.False(t, submitted)
	assert.Equal(t, GateBlockedErrors, c.GateState())
	assert.Equal(t, 1, env.renderer.focused)

	_, err = c.Wait(ctx)
	assert.True(t, errors.As(err, &validationErr))

	time.Sleep(50 * time.Millisecond)
	upload.mu.Lock()
	assert.Equal(t, 0, upload.segmentPosts)
	upload.mu.Unlock()
	assert.Len(t, c.Errors(), 1)
}

func TestControl_SizeLimit(t *testing.T) {
	upload := newUploadServer(t, reply{status: http.StatusOK, body: "tok"})
	env := newTestEnv(t, upload, nil)
	ctx := testContext(t)
	c := env.control
	require.NoError(t, c.Activate(ctx))

	for _, size := range []int{0, 1, 49, 50} {
		require.NoError(t, c.Select(ctx, bytes.NewReader(make([]byte, size)), "ok.bin"), "size %d", size)
		assert.Empty(t, c.Errors(), "size %d", size)
	}
}

func TestControl_RequiredWithoutFile(t *testing.T) {
	env := newTestEnv(t, newUploadServer(t, reply{status: http.StatusOK}), func(c *Config) { c.Required = true })
	ctx := testContext(t)
	c := env.control
	require.NoError(t, c.Activate(ctx))

	for i := 0; i < 2; i++ {
		submitted, err := env.form.Submit(ctx)
		require.NoError(t, err)
		assert.False(t, submitted)
		assert.Equal(t, []errorlist.Record{{Message: "This field is required! Please select a file to continue."}}, c.Errors())
	}

	assert.Equal(t, 0, env.submitter.count())
	_, err := c.Wait(ctx)
	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestControl_OptionalWithoutFile(t *testing.T) {
	env := newTestEnv(t, newUploadServer(t, reply{status: http.StatusOK}), nil)
	ctx := testContext(t)
	c := env.control
	require.NoError(t, c.Activate(ctx))

	submitted, err := env.form.Submit(ctx)

	require.NoError(t, err)
	assert.True(t, submitted)
	require.Equal(t, 1, env.submitter.count())
	assert.Equal(t, "", env.submitter.values[0].Get("attachment"))

	_, err = c.Wait(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestControl_FinalizeFailureResetsControl(t *testing.T) {
	// Given
	upload := newUploadServer(t, reply{status: http.StatusInternalServerError, body: "boom"})
	env := newTestEnv(t, upload, nil)
	ctx := testContext(t)
	c := env.control
	require.NoError(t, c.Activate(ctx))
	require.NoError(t, c.Select(ctx, bytes.NewReader(testData), "data.bin"))

	// When
	_, err := env.form.Submit(ctx)
	require.NoError(t, err)
	token, err := c.Wait(ctx)

	// Then
	assert.Empty(t, token)
	var finalizeErr *network.FinalizeError
	require.True(t, errors.As(err, &finalizeErr))
	assert.Equal(t, http.StatusInternalServerError, finalizeErr.StatusCode)

	assert.Equal(t, []errorlist.Record{{Message: "file upload failed to process"}}, c.Errors())
	assert.Empty(t, c.Token())
	assert.Equal(t, StateFailed, c.State())
	assert.Empty(t, c.transport.Files())
	assert.Equal(t, 0, env.submitter.count())

	upload.mu.Lock()
	assert.Len(t, upload.finalizeRequests, 1)
	upload.mu.Unlock()

	// A new selection is possible after the reset.
	require.NoError(t, c.Select(ctx, bytes.NewReader(testData), "again.bin"))
	assert.Empty(t, c.Errors())
}

func TestControl_UnavailableFinalizeFailsWithoutRetry(t *testing.T) {
	upload := newUploadServer(t, reply{status: http.StatusServiceUnavailable}, reply{status: http.StatusOK, body: "tok123"})
	env := newTestEnv(t, upload, nil)
	ctx := testContext(t)
	c := env.control
	require.NoError(t, c.Activate(ctx))
	require.NoError(t, c.Select(ctx, bytes.NewReader(testData), "data.bin"))

	_, err := env.form.Submit(ctx)
	require.NoError(t, err)
	token, err := c.Wait(ctx)

	assert.Empty(t, token)
	var finalizeErr *network.FinalizeError
	require.True(t, errors.As(err, &finalizeErr))
	assert.Equal(t, http.StatusServiceUnavailable, finalizeErr.StatusCode)
	assert.Empty(t, c.Token())
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 0, env.submitter.count())

	upload.mu.Lock()
	assert.Len(t, upload.finalizeRequests, 1)
	upload.mu.Unlock()
}

func TestControl_PermanentSegmentFailureResetsControl(t *testing.T) {
	upload := newUploadServer(t, reply{status: http.StatusOK, body: "tok"})
	body, err := json.Marshal(map[string]map[string][]string{"errors": {"file": {"Segment is too large!"}}})
	require.NoError(t, err)
	upload.segmentReply = reply{status: http.StatusBadRequest, body: string(body)}

	env := newTestEnv(t, upload, nil)
	ctx := testContext(t)
	c := env.control
	require.NoError(t, c.Activate(ctx))
	require.NoError(t, c.Select(ctx, bytes.NewReader(testData[:10]), "data.bin"))

	_, err = env.form.Submit(ctx)
	require.NoError(t, err)
	_, err = c.Wait(ctx)

	var transportErr *network.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, []errorlist.Record{{Message: "Segment is too large!", File: "data.bin"}}, c.Errors())
	assert.Equal(t, StateFailed, c.State())
	assert.Empty(t, c.transport.Files())
	assert.Empty(t, c.Token())

	upload.mu.Lock()
	assert.Equal(t, 1, upload.segmentPosts)
	assert.Empty(t, upload.finalizeRequests)
	upload.mu.Unlock()
}

func TestControl_NegotiationFailureDisablesControl(t *testing.T) {
	upload := newUploadServer(t)
	upload.optionsStatus = http.StatusForbidden
	env := newTestEnv(t, upload, func(c *Config) { c.Required = true })
	ctx := testContext(t)
	c := env.control

	err := c.Activate(ctx)

	var negotiationErr *network.NegotiationError
	require.True(t, errors.As(err, &negotiationErr))
	assert.True(t, c.Disabled())
	assert.ErrorIs(t, c.Activate(ctx), ErrDisabled)
	assert.ErrorIs(t, c.Select(ctx, bytes.NewReader(testData), "data.bin"), ErrDisabled)

	submitted, err := env.form.Submit(ctx)
	require.NoError(t, err)
	assert.True(t, submitted)

	upload.mu.Lock()
	assert.Equal(t, 1, upload.options)
	upload.mu.Unlock()
}

func TestControl_SharedNegotiator(t *testing.T) {
	upload := newUploadServer(t)
	server := httptest.NewServer(upload)
	defer server.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	logger := log.NewLogger()
	negotiator := network.NewNegotiator(network.NewSingleAttemptClient(logger, jar), logger)
	form := NewForm(&recordingSubmitter{}, nil, logger)

	for _, name := range []string{"first", "second"} {
		config := DefaultConfig()
		config.Endpoint = server.URL + "/upload/"
		config.FieldName = name
		c, err := New(config, Dependencies{Form: form, Jar: jar, Negotiator: negotiator}, logger)
		require.NoError(t, err)
		require.NoError(t, c.Activate(context.Background()))
		defer c.Close()
	}

	upload.mu.Lock()
	defer upload.mu.Unlock()
	assert.Equal(t, 1, upload.options)
}

func TestControl_ReselectDiscardsSession(t *testing.T) {
	env := newTestEnv(t, newUploadServer(t, reply{status: http.StatusOK, body: "tok"}), nil)
	ctx := testContext(t)
	c := env.control
	require.NoError(t, c.Activate(ctx))

	require.NoError(t, c.Select(ctx, bytes.NewReader(testData), "first.bin"))
	first := c.currentSession()

	require.NoError(t, c.Select(ctx, bytes.NewReader(testData), "data.bin"))

	assert.Error(t, first.ctx.Err())
	assert.Empty(t, c.Errors())
	files := c.transport.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "data.bin", files[0].Name)
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.field.write(first.id, "stale"))
}

func TestControl_SelectBeforeActivate(t *testing.T) {
	env := newTestEnv(t, newUploadServer(t), nil)

	err := env.control.Select(context.Background(), bytes.NewReader(testData), "data.bin")

	assert.ErrorIs(t, err, ErrNotActivated)
}

func TestNew_ConfigErrors(t *testing.T) {
	logger := log.NewLogger()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	form := NewForm(&recordingSubmitter{}, nil, logger)

	valid := DefaultConfig()
	valid.Endpoint = "https://example.com/upload/"
	valid.FieldName = "attachment"

	tests := []struct {
		name   string
		config func() Config
		deps   Dependencies
		field  string
	}{
		{
			name:   "missing endpoint",
			config: func() Config { c := valid; c.Endpoint = ""; return c },
			deps:   Dependencies{Form: form, Jar: jar},
			field:  "Endpoint",
		},
		{
			name:   "missing field name",
			config: func() Config { c := valid; c.FieldName = ""; return c },
			deps:   Dependencies{Form: form, Jar: jar},
			field:  "FieldName",
		},
		{
			name:   "zero poll interval",
			config: func() Config { c := valid; c.PollInterval = 0; return c },
			deps:   Dependencies{Form: form, Jar: jar},
			field:  "PollInterval",
		},
		{
			name:   "missing form",
			config: func() Config { return valid },
			deps:   Dependencies{Jar: jar},
			field:  "Form",
		},
		{
			name:   "missing cookie jar",
			config: func() Config { return valid },
			deps:   Dependencies{Form: form},
			field:  "Jar",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config(), tt.deps, logger)

			var configErr *ConfigError
			require.True(t, errors.As(err, &configErr))
			assert.Equal(t, tt.field, configErr.Field)
		})
	}
}

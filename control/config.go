package control

import (
	"net/http"
	"time"

	"github.com/bitrise-io/go-segupload/errorlist"
	"github.com/bitrise-io/go-segupload/hasher"
	"github.com/bitrise-io/go-segupload/network"
)

const (
	// DefaultGateInterval is the delay between checks for the whole file digest before the upload starts.
	DefaultGateInterval = 100 * time.Millisecond

	// DefaultConcurrency is the number of segments sent in parallel.
	DefaultConcurrency = 3
)

// Config holds the settings of one upload control.
type Config struct {
	// Endpoint is the segmented upload endpoint of the control.
	Endpoint string

	// FieldName is the name of the hidden form field receiving the materialization token.
	FieldName string

	// Required blocks submission of the form until a file was uploaded.
	Required bool

	// PollInterval is the delay between finalize polls.
	// Default: network.DefaultPollInterval
	PollInterval time.Duration

	// GateInterval is the delay between checks for the whole file digest once a submission started the upload.
	// Default: DefaultGateInterval
	GateInterval time.Duration

	// HashBlockSize is the read size of the whole file and segment digests.
	// Default: hasher.DefaultBlockSize
	HashBlockSize int64

	// Concurrency is the maximum number of segments in flight.
	// Default: DefaultConcurrency
	Concurrency int

	// TestSegments probes the server before sending each segment.
	// Default: true
	TestSegments bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:  network.DefaultPollInterval,
		GateInterval:  DefaultGateInterval,
		HashBlockSize: hasher.DefaultBlockSize,
		Concurrency:   DefaultConcurrency,
		TestSegments:  true,
	}
}

// Dependencies are the collaborators of a control.
type Dependencies struct {
	// Form is the form the control belongs to. Required.
	Form *Form

	// Jar holds the credentials sent with every request. Required.
	Jar http.CookieJar

	// Negotiator is shared between controls so every endpoint is negotiated once.
	// A private one is created when nil.
	Negotiator *network.Negotiator

	// Cookies is the source of the anti-forgery token. Defaults to the cookies Jar holds for Endpoint.
	Cookies network.CookieStore

	// Renderer displays the error list. Defaults to errorlist.LogRenderer.
	Renderer errorlist.Renderer

	// Indicator displays the upload progress. Defaults to LogIndicator.
	Indicator Indicator
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return &ConfigError{Field: "Endpoint", Reason: "is required"}
	}
	if c.FieldName == "" {
		return &ConfigError{Field: "FieldName", Reason: "is required"}
	}
	if c.PollInterval <= 0 {
		return &ConfigError{Field: "PollInterval", Reason: "must be positive"}
	}
	if c.GateInterval <= 0 {
		return &ConfigError{Field: "GateInterval", Reason: "must be positive"}
	}
	if c.HashBlockSize <= 0 {
		return &ConfigError{Field: "HashBlockSize", Reason: "must be positive"}
	}
	if c.Concurrency < 1 {
		return &ConfigError{Field: "Concurrency", Reason: "must be at least 1"}
	}
	return nil
}

func (d Dependencies) validate() error {
	if d.Form == nil {
		return &ConfigError{Field: "Form", Reason: "is required"}
	}
	if d.Jar == nil {
		return &ConfigError{Field: "Jar", Reason: "is required"}
	}
	return nil
}

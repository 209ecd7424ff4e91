package transport

import (
	"context"
	"errors"
	"time"

	"github.com/bitrise-io/go-segupload/hasher"
	"github.com/bitrise-io/go-segupload/network"
)

// ParamNames are the request parameter names of the segment protocol.
type ParamNames struct {
	Identifier  string
	Filename    string
	Index       string
	Count       string
	SegmentSize string
	TotalSize   string
}

// DefaultParamNames returns the parameter names the segmented upload server expects.
func DefaultParamNames() ParamNames {
	return ParamNames{
		Identifier:  "identifier",
		Filename:    "filename",
		Index:       "index",
		Count:       "count",
		SegmentSize: "segment_size",
		TotalSize:   "total_size",
	}
}

// FilePartName is the multipart field carrying the segment bytes.
const FilePartName = "file"

// PreprocessFunc runs before every send attempt of a segment and returns extra request parameters.
// The attempt is held until it returns.
type PreprocessFunc func(ctx context.Context, file *File, segment *Segment) (map[string]string, error)

// IdentifierFunc computes the unique identifier of a newly selected blob.
type IdentifierFunc func(ctx context.Context, blob hasher.Blob, name string) (string, error)

// HeadersFunc returns the headers set on every segment request.
type HeadersFunc func() map[string]string

// Config holds configuration for the segment transport.
type Config struct {
	// Target is the endpoint segments are sent to.
	Target string

	// SegmentSize is the size of every segment but the last one.
	SegmentSize int64

	// ForceSegmentSize keeps every segment at most SegmentSize bytes, leaving a smaller last segment.
	// When false the last segment absorbs the remainder.
	ForceSegmentSize bool

	// Concurrency is the maximum number of segments in flight per file.
	// Default: 3
	Concurrency int

	// MaxRetryPerSegment is the number of attempts a segment gets after the first one failed.
	// Default: 3
	MaxRetryPerSegment int

	// PermanentErrors are statuses that abort the file instead of being retried.
	// Default: network.PermanentStatuses
	PermanentErrors []int

	// TestSegments probes the server for every segment before sending it.
	// Default: true
	TestSegments bool

	// HungThreshold is the duration after which a send attempt is considered hung
	// if it exceeds the average send time by this amount. Zero disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	Params ParamNames

	Preprocess         PreprocessFunc
	Headers            HeadersFunc
	GenerateIdentifier IdentifierFunc
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ForceSegmentSize:   true,
		Concurrency:        3,
		MaxRetryPerSegment: 3,
		PermanentErrors:    network.PermanentStatuses,
		TestSegments:       true,
		HungThreshold:      30 * time.Second,
		Params:             DefaultParamNames(),
	}
}

// Validate ...
func (c Config) Validate() error {
	if c.Target == "" {
		return errors.New("target is required")
	}
	if c.SegmentSize <= 0 {
		return errors.New("segment size must be positive")
	}
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	if c.MaxRetryPerSegment < 0 {
		return errors.New("max retry per segment must not be negative")
	}
	if c.GenerateIdentifier == nil {
		return errors.New("identifier generator is required")
	}
	return nil
}

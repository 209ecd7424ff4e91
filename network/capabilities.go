package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/singleflight"
)

// Capabilities are the segment limits an endpoint accepts.
type Capabilities struct {
	SegmentSize       int64
	SegmentCountLimit int
}

// MaxFileSize is the largest file the endpoint accepts.
func (c Capabilities) MaxFileSize() int64 {
	return c.SegmentSize * int64(c.SegmentCountLimit)
}

// String ...
func (c Capabilities) String() string {
	return fmt.Sprintf("%d segments of %s (max %s)",
		c.SegmentCountLimit,
		units.BytesSize(float64(c.SegmentSize)),
		units.BytesSize(float64(c.MaxFileSize())))
}

func (c Capabilities) validate() error {
	if c.SegmentSize <= 0 {
		return fmt.Errorf("invalid segment_allowable_size: %d", c.SegmentSize)
	}
	if c.SegmentCountLimit <= 0 {
		return fmt.Errorf("invalid segment_limit: %d", c.SegmentCountLimit)
	}
	return nil
}

// Negotiator fetches the capabilities of each endpoint once and shares the result between every control using it.
// Concurrent requests for the same endpoint are coalesced into one. Failures are not cached.
type Negotiator struct {
	api   apiClient
	group singleflight.Group

	mu    sync.Mutex
	cache map[string]Capabilities
}

// NewNegotiator creates a Negotiator. The client should not retry on its own; a failed negotiation is final.
func NewNegotiator(client *retryablehttp.Client, logger log.Logger) *Negotiator {
	return &Negotiator{
		api:   newAPIClient(client, logger),
		cache: map[string]Capabilities{},
	}
}

// Capabilities returns the capabilities of endpoint, sending the capability request on first use.
func (n *Negotiator) Capabilities(ctx context.Context, endpoint string) (Capabilities, error) {
	n.mu.Lock()
	capabilities, ok := n.cache[endpoint]
	n.mu.Unlock()
	if ok {
		return capabilities, nil
	}

	v, err, _ := n.group.Do(endpoint, func() (interface{}, error) {
		n.api.logger.Debugf("Negotiating capabilities of %s", endpoint)
		capabilities, err := n.api.negotiate(ctx, endpoint)
		if err != nil {
			return Capabilities{}, err
		}

		n.mu.Lock()
		n.cache[endpoint] = capabilities
		n.mu.Unlock()

		n.api.logger.Debugf("Capabilities of %s: %s", endpoint, capabilities)
		return capabilities, nil
	})
	if err != nil {
		return Capabilities{}, &NegotiationError{Endpoint: endpoint, Err: err}
	}

	return v.(Capabilities), nil
}

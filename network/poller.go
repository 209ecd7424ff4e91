package network

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultPollInterval is the fixed delay between finalize polls.
const DefaultPollInterval = 3000 * time.Millisecond

// Poller drives the finalize protocol of an upload until the server returns a token or fails it.
type Poller struct {
	api      apiClient
	interval time.Duration
}

// NewPoller creates a Poller that waits interval between polls. A non-positive interval selects DefaultPollInterval.
// client should not retry by itself (see NewSingleAttemptClient): every failed finalize response is terminal.
func NewPoller(client *retryablehttp.Client, interval time.Duration, logger log.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		api:      newAPIClient(client, logger),
		interval: interval,
	}
}

// Interval ...
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Poll sends the finalize request to endpoint and keeps polling until the server hands back the materialization
// token. Polling never gives up by itself; it stops on a terminal response or when ctx is done.
//
//	300 with a URL body  -> following polls go to that URL
//	other non-2xx        -> *FinalizeError
//	2xx with empty body  -> still pending, poll again
//	2xx with a body      -> the token
func (p *Poller) Poll(ctx context.Context, endpoint string, request FinalizeRequest) (string, error) {
	target := endpoint
	for attempt := 1; ; attempt++ {
		resp, err := p.api.finalize(ctx, target, request)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", &FinalizeError{URL: target, Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusMultipleChoices:
			location := strings.TrimSpace(resp.Body)
			if location == "" {
				return "", &FinalizeError{URL: target, StatusCode: resp.StatusCode, Err: errors.New("redirect without location")}
			}
			next, err := resolveURL(target, location)
			if err != nil {
				return "", &FinalizeError{URL: target, StatusCode: resp.StatusCode, Err: err}
			}
			p.api.logger.Debugf("Polling redirected to %s", next)
			target = next
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return "", &FinalizeError{URL: target, StatusCode: resp.StatusCode, Body: resp.Body}
		case resp.Body != "":
			p.api.logger.Debugf("Materialization finished after %d request(s)", attempt)
			return resp.Body, nil
		}

		p.api.logger.Debugf("Materialization pending; continue polling %s in %s", target, p.interval)

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

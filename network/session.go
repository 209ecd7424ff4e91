package network

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// EstablishSession runs the anonymous session handshake against endpoint and returns the session key.
// Cookies set along the way stay in the client's jar and credential the upload requests that follow.
func EstablishSession(ctx context.Context, client *retryablehttp.Client, endpoint string, logger log.Logger) (string, error) {
	return newAPIClient(client, logger).establishSession(ctx, endpoint)
}

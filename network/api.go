package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// maxErrorBodySize caps how much of an error response body ends up in messages.
const maxErrorBodySize = 64 * 1024

type capabilitiesResponse struct {
	Validation struct {
		SegmentLimit         int   `json:"segment_limit"`
		SegmentAllowableSize int64 `json:"segment_allowable_size"`
	} `json:"validation"`
}

// FinalizeRequest is the body of a finalize request.
type FinalizeRequest struct {
	Identifier string
	Digest     string
	Algorithm  string
	CSRFToken  string
}

func (r FinalizeRequest) values() url.Values {
	v := url.Values{}
	v.Set(CSRFFormField, r.CSRFToken)
	v.Set("identifier", r.Identifier)
	v.Set("digest", r.Digest)
	v.Set("algorithm", r.Algorithm)
	return v
}

type finalizeResponse struct {
	StatusCode int
	Body       string
}

type apiClient struct {
	httpClient *retryablehttp.Client
	logger     log.Logger
}

func newAPIClient(client *retryablehttp.Client, logger log.Logger) apiClient {
	return apiClient{
		httpClient: client,
		logger:     logger,
	}
}

func (c apiClient) negotiate(ctx context.Context, endpoint string) (Capabilities, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodOptions, endpoint, nil)
	if err != nil {
		return Capabilities{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Capabilities{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Capabilities{}, unwrapError(resp)
	}

	var response capabilitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return Capabilities{}, fmt.Errorf("decode capabilities: %w", err)
	}

	capabilities := Capabilities{
		SegmentSize:       response.Validation.SegmentAllowableSize,
		SegmentCountLimit: response.Validation.SegmentLimit,
	}
	if err := capabilities.validate(); err != nil {
		return Capabilities{}, err
	}

	return capabilities, nil
}

func (c apiClient) finalize(ctx context.Context, target string, request FinalizeRequest) (finalizeResponse, error) {
	body := request.values().Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target, []byte(body))
	if err != nil {
		return finalizeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(CSRFHeaderName, request.CSRFToken)

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Finalize request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return finalizeResponse{}, err
	}
	defer c.closeBody(resp.Body)

	text, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return finalizeResponse{}, fmt.Errorf("read finalize response: %w", err)
	}
	c.logger.Debugf("Finalize response: HTTP %d (%d bytes)", resp.StatusCode, len(text))

	return finalizeResponse{StatusCode: resp.StatusCode, Body: string(text)}, nil
}

// establishSession runs the anonymous session handshake: the server answers the first PUT with a redirect that sets
// a test cookie, and the redirected PUT returns the session key once the cookie round-tripped.
func (c apiClient) establishSession(ctx context.Context, endpoint string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", unwrapError(resp)
	}

	key, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read session key: %w", err)
	}

	return strings.TrimSpace(string(key)), nil
}

func (c apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}

// resolveURL resolves ref, which may be relative, against base.
func resolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", base, err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", ref, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

package page

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// Submitter performs the native submission of a form through a credentialed client.
type Submitter struct {
	client *retryablehttp.Client
	form   *Form
	logger log.Logger
}

// NewSubmitter ...
func NewSubmitter(client *retryablehttp.Client, form *Form, logger log.Logger) *Submitter {
	return &Submitter{
		client: client,
		form:   form,
		logger: logger,
	}
}

// Submit sends values to the action of the form, urlencoded in the body for POST forms and in the query otherwise.
// Redirects are followed; the final response must not be an error.
func (s *Submitter) Submit(ctx context.Context, values url.Values) error {
	var req *retryablehttp.Request
	var err error
	if s.form.Method == http.MethodPost {
		req, err = retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.form.Action, strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		target, parseErr := url.Parse(s.form.Action)
		if parseErr != nil {
			return fmt.Errorf("form action: %w", parseErr)
		}
		target.RawQuery = values.Encode()
		req, err = retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	}
	if err != nil {
		return err
	}

	s.logger.Debugf("Submitting form: %s %s", req.Method, s.form.Action)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit form: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Warnf("Failed to close response body: %s", err)
		}
	}()

	if resp.StatusCode >= 400 {
		body, err := ioutil.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return fmt.Errorf("submit form: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("submit form: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s.logger.Infof("Form submitted: HTTP %d from %s", resp.StatusCode, resp.Request.URL)

	return nil
}

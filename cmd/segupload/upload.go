package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path/filepath"

	"github.com/bitrise-io/go-segupload/control"
	"github.com/bitrise-io/go-segupload/hasher"
	"github.com/bitrise-io/go-segupload/network"
	"github.com/bitrise-io/go-segupload/page"
	"github.com/bitrise-io/go-segupload/stepconf"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

type result struct {
	File  string
	Field string
	Token string
}

type uploader struct {
	config       Config
	files        stepconf.FileProvider
	pathModifier pathutil.PathModifier
	logger       log.Logger

	jar        http.CookieJar
	client     *retryablehttp.Client
	blockSize  int64
	formValues map[string]string
}

func newUploader(config Config, files stepconf.FileProvider, pathModifier pathutil.PathModifier, logger log.Logger) (*uploader, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	blockSize := hasher.DefaultBlockSize
	if config.HashBlockSize != "" {
		blockSize, err = units.RAMInBytes(config.HashBlockSize)
		if err != nil {
			return nil, fmt.Errorf("invalid hash_block_size: %w", err)
		}
		if blockSize <= 0 {
			return nil, fmt.Errorf("invalid hash_block_size: %s", config.HashBlockSize)
		}
	}

	formValues, err := parseFormValues(config.FormValues)
	if err != nil {
		return nil, err
	}

	return &uploader{
		config:       config,
		files:        files,
		pathModifier: pathModifier,
		logger:       logger,
		jar:          jar,
		client:       network.NewClient(logger, jar),
		blockSize:    blockSize,
		formValues:   formValues,
	}, nil
}

func (u *uploader) upload(ctx context.Context) (result, error) {
	path, err := resolveFile(ctx, u.config.File, u.files, u.pathModifier)
	if err != nil {
		return result{}, err
	}
	blob, err := hasher.OpenFile(path)
	if err != nil {
		return result{}, err
	}
	defer func() {
		if err := blob.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()
	u.logger.Infof("Selected file: %s (%s)", path, units.BytesSize(float64(blob.Size())))

	doc, err := u.fetchPage(ctx)
	if err != nil {
		return result{}, err
	}
	pageForm, target, err := u.findControl(doc)
	if err != nil {
		return result{}, err
	}
	u.logger.Infof("Uploading into %s via %s", target.FieldName, target.Endpoint)

	if u.config.Anonymous {
		key, err := network.EstablishSession(ctx, u.client, target.Endpoint, u.logger)
		if err != nil {
			return result{}, fmt.Errorf("establish anonymous session: %w", err)
		}
		u.logger.Debugf("Anonymous session established (%d character key)", len(key))
	}

	values := url.Values{}
	for k, v := range pageForm.Values {
		values[k] = append([]string(nil), v...)
	}
	for k, v := range u.formValues {
		values.Set(k, v)
	}
	form := control.NewForm(page.NewSubmitter(u.client, pageForm, u.logger), values, u.logger)
	negotiator := network.NewNegotiator(network.NewSingleAttemptClient(u.logger, u.jar), u.logger)

	var selected *control.Control
	var others []*control.Control
	for _, pc := range pageForm.Controls {
		c, err := control.New(u.controlConfig(pc), control.Dependencies{
			Form:       form,
			Jar:        u.jar,
			Negotiator: negotiator,
		}, u.logger)
		if err != nil {
			return result{}, err
		}
		defer c.Close()

		if err := c.Activate(ctx); err != nil {
			if pc.FieldName == target.FieldName {
				return result{}, err
			}
			u.logger.Warnf("Control %s is disabled: %s", pc.FieldName, err)
			continue
		}

		if pc.FieldName == target.FieldName {
			selected = c
		} else {
			others = append(others, c)
		}
	}

	if err := selected.Select(ctx, blob, filepath.Base(path)); err != nil {
		return result{}, err
	}

	if _, err := form.Submit(ctx); err != nil {
		return result{}, err
	}
	for _, c := range others {
		if records := c.Errors(); len(records) > 0 {
			return result{}, fmt.Errorf("control %s blocks the submission: %s", c.Field().Name(), records[0].Message)
		}
	}

	var token string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := selected.Wait(gctx)
		if err != nil {
			return fmt.Errorf("upload of %s: %w", path, err)
		}
		token = t
		return nil
	})
	g.Go(func() error {
		return form.Wait(gctx)
	})
	if err := g.Wait(); err != nil {
		return result{}, err
	}

	return result{File: path, Field: target.FieldName, Token: token}, nil
}

func (u *uploader) controlConfig(pc page.Control) control.Config {
	config := control.DefaultConfig()
	config.Endpoint = pc.Endpoint
	config.FieldName = pc.FieldName
	config.Required = pc.Required
	config.HashBlockSize = u.blockSize
	if u.config.PollInterval > 0 {
		config.PollInterval = u.config.PollInterval
	}
	if u.config.Concurrency > 0 {
		config.Concurrency = u.config.Concurrency
	}
	return config
}

// fetchPage loads the page, which also stores the anti-forgery cookie in the jar.
func (u *uploader) fetchPage(ctx context.Context) (*page.Document, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.config.PageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.config.PageURL, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Warnf("Failed to close response body: %s", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", u.config.PageURL, resp.StatusCode)
	}

	return page.Parse(resp.Body, resp.Request.URL)
}

func (u *uploader) findControl(doc *page.Document) (*page.Form, page.Control, error) {
	forms := doc.UploadForms()
	if len(forms) == 0 {
		return nil, page.Control{}, fmt.Errorf("no upload control on %s", u.config.PageURL)
	}

	if u.config.Field == "" {
		return forms[0], forms[0].Controls[0], nil
	}
	for _, f := range forms {
		if c, ok := f.Control(u.config.Field); ok {
			return f, c, nil
		}
	}
	return nil, page.Control{}, fmt.Errorf("no upload control named %s on %s", u.config.Field, u.config.PageURL)
}

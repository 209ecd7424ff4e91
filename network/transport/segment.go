package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/bitrise-io/go-segupload/network"
	"github.com/hashicorp/go-retryablehttp"
)

// maxErrorBodySize caps how much of a failed segment response is kept as the error message.
const maxErrorBodySize = 64 * 1024

func (t *Transport) sendAttempt(ctx context.Context, file *File, segment *Segment, first bool) error {
	params, err := t.params(ctx, file, segment)
	if err != nil {
		return fmt.Errorf("preprocess segment %d: %w", segment.Index, err)
	}

	if first && t.config.TestSegments {
		stored, err := t.probe(ctx, params)
		switch {
		case err != nil:
			t.logger.Warnf("Probe of segment %d failed, sending it anyway: %s", segment.Index, err)
		case stored:
			t.logger.Debugf("Segment %d of %s is already stored", segment.Index, file.Name)
			return nil
		}
	}

	return t.send(ctx, file, segment, params)
}

// params returns the protocol parameters of segment merged with the parameters of the preprocess hook.
// The hook runs on every call, its results are never reused across attempts.
func (t *Transport) params(ctx context.Context, file *File, segment *Segment) (url.Values, error) {
	names := t.config.Params

	params := url.Values{}
	params.Set(names.Identifier, file.UniqueIdentifier)
	params.Set(names.Filename, file.Name)
	params.Set(names.Index, strconv.Itoa(segment.Index))
	params.Set(names.Count, strconv.Itoa(len(file.segments)))
	params.Set(names.SegmentSize, strconv.FormatInt(segment.Size(), 10))
	params.Set(names.TotalSize, strconv.FormatInt(file.Size, 10))

	if t.config.Preprocess != nil {
		extra, err := t.config.Preprocess(ctx, file, segment)
		if err != nil {
			return nil, err
		}
		for k, v := range extra {
			params.Set(k, v)
		}
	}

	return params, nil
}

// probe asks the server whether it already stores the segment described by params.
func (t *Transport) probe(ctx context.Context, params url.Values) (bool, error) {
	target, err := url.Parse(t.config.Target)
	if err != nil {
		return false, fmt.Errorf("parse target: %w", err)
	}
	query := target.Query()
	for k := range params {
		query.Set(k, params.Get(k))
	}
	target.RawQuery = query.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return false, err
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return false, err
	}
	defer t.closeBody(resp.Body)

	return resp.StatusCode == http.StatusOK, nil
}

func (t *Transport) send(ctx context.Context, file *File, segment *Segment, params url.Values) error {
	body, contentType, err := multipartBody(file, segment, params)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.config.Target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	message, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return fmt.Errorf("read response of segment %d: %w", segment.Index, err)
	}
	return &network.TransportError{StatusCode: resp.StatusCode, Message: string(message)}
}

func multipartBody(file *File, segment *Segment, params url.Values) ([]byte, string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, k := range keys {
		if err := w.WriteField(k, params.Get(k)); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	part, err := w.CreateFormFile(FilePartName, file.Name)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, io.NewSectionReader(file.Blob, segment.Start, segment.Size())); err != nil {
		return nil, "", fmt.Errorf("read segment %d: %w", segment.Index, err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

func (t *Transport) setHeaders(req *retryablehttp.Request) {
	if t.config.Headers == nil {
		return
	}
	for k, v := range t.config.Headers() {
		req.Header.Set(k, v)
	}
}

func (t *Transport) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		t.logger.Printf(err.Error())
	}
}

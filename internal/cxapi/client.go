// Package cxapi is a client of the scan management REST API. It exposes
// only the two calls the reconciler needs: listing the scan queue and
// blocking an engine server.
package cxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GemAppSec/CxDynEngine/internal/model"
)

const (
	queuePath  = "sast/scansQueue"
	enginePath = "sast/engineServers/"

	opListQueue   = "list scan queue"
	opBlockEngine = "block engine"
)

type Client struct {
	baseURL *url.URL
	token   string
	client  *http.Client
}

type Option func(*Client)

// WithToken sets a bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout limits the duration of a single request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient replaces the default http.Client, mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// New returns a client for the API rooted at serverURL, e.g.
// https://cx.example.com/cxrestapi
func New(serverURL string, opts ...Option) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the server url with a scheme, e.g. `https://cx.example.com/cxrestapi`")
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/") + "/"

	c := &Client{
		baseURL: parsedURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FromConfig builds a client from the cx section of a configuration.
func FromConfig(cfg model.Cx) (*Client, error) {
	timeout, err := model.DurationOr(cfg.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("cx.timeout: %w", err)
	}
	opts := []Option{WithTimeout(timeout)}
	if cfg.Token != nil && *cfg.Token != "" {
		opts = append(opts, WithToken(*cfg.Token))
	}
	return New(cfg.URL, opts...)
}

// ListQueue returns every scan the service knows about in the order the
// service returned them.
func (c *Client) ListQueue(ctx context.Context) ([]model.Scan, error) {
	resp, err := c.do(ctx, http.MethodGet, queuePath, nil)
	if err != nil {
		return nil, &model.ServiceError{Op: opListQueue, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeProblem(opListQueue, resp)
	}
	if err := expectJSON(resp); err != nil {
		return nil, &model.ServiceError{Op: opListQueue, StatusCode: resp.StatusCode, Err: err}
	}

	var entries []queueEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, &model.ServiceError{
			Op:         opListQueue,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decoding json response failed: %w", err),
		}
	}

	scans := make([]model.Scan, 0, len(entries))
	for _, e := range entries {
		scans = append(scans, e.scan())
	}
	slog.DebugContext(ctx, "scan queue listed", "count", len(scans))
	return scans, nil
}

// BlockEngine marks the engine server as blocked so the scan service does not
// hand it another scan.
func (c *Client) BlockEngine(ctx context.Context, engineID int64) error {
	body, err := json.Marshal(struct {
		IsBlocked bool `json:"isBlocked"`
	}{IsBlocked: true})
	if err != nil {
		return err
	}
	path := enginePath + strconv.FormatInt(engineID, 10)
	resp, err := c.do(ctx, http.MethodPatch, path, body)
	if err != nil {
		return &model.ServiceError{Op: opBlockEngine, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	default:
		return decodeProblem(opBlockEngine, resp)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	u := c.baseURL.JoinPath(path)
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

func expectJSON(resp *http.Response) error {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if contentType != "application/json" {
		return fmt.Errorf("expected `application/json` content type, got: %s", contentType)
	}
	return nil
}

// decodeProblem turns an error response into a ServiceError, using the
// detail of a problem+json body when there is one.
func decodeProblem(op string, resp *http.Response) error {
	ret := &model.ServiceError{Op: op, StatusCode: resp.StatusCode}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/problem+json" || contentType == "application/json" {
		var problemDetail struct {
			Detail         string `json:"detail"`
			MessageCode    int    `json:"messageCode"`
			MessageDetails string `json:"messageDetails"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err == nil {
			ret.Detail = problemDetail.Detail
			if ret.Detail == "" {
				ret.Detail = problemDetail.MessageDetails
			}
			return ret
		}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		ret.Err = err
		return ret
	}
	ret.Detail = strings.TrimSpace(string(respBody))
	return ret
}

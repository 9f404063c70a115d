package service

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
	"strings"
	"time"

	"github.com/GemAppSec/CxDynEngine/internal/model"
)

const (
	reportContentType = "application/json"
	reportTimeout     = 30 * time.Second
	opUploadReport    = "upload report"
)

// ReportUploader POSTs scan reports to an HTTP endpoint.
type ReportUploader struct {
	requestURL *url.URL
	client     *http.Client
}

func NewReportUploader(serverURL string) (*ReportUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the report url with a scheme, e.g. `http://some-url.com/reports`")
	}
	return &ReportUploader{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: reportTimeout},
	}, nil
}

func (c *ReportUploader) Upload(ctx context.Context, name string, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", reportContentType)
	req.Header.Set("Accept", "application/json, application/problem+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &model.ServiceError{Op: opUploadReport, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := decodeUploadResponse(resp); err != nil {
		return err
	}
	slog.DebugContext(ctx, "scan report uploaded", "name", name, "status", resp.StatusCode)
	return nil
}

func decodeUploadResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	ret := &model.ServiceError{Op: opUploadReport, StatusCode: resp.StatusCode}
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/problem+json" {
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			ret.Err = fmt.Errorf("decoding json response failed: %w", err)
			return ret
		}
		ret.Detail = problemDetail.Detail
		return ret
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		ret.Err = err
		return ret
	}
	ret.Detail = strings.TrimSpace(string(respBody))
	return ret
}

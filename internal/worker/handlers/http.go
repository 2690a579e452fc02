package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func HTTPRequest(ctx context.Context, payload map[string]any) (map[string]any, error) {
	url := stringField(payload, "url", "")
	if url == "" {
		return nil, errors.New("missing 'url' field")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "invalid request")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "http request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	return map[string]any{
		"url":            url,
		"status_code":    resp.StatusCode,
		"content_length": len(body),
	}, nil
}

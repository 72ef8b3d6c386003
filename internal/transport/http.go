// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/ManuGH/tripsync/internal/wire"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HeaderBatchID lets the receiver deduplicate redelivered batches.
const HeaderBatchID = "Idempotency-Key"

const maxErrorBody = 512

// HTTP posts batches to an http(s) endpoint.
type HTTP struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTP(endpoint string, opts Options) (*HTTP, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTP{endpoint: endpoint, token: opts.AuthToken, client: client}, nil
}

// Send maps 2xx to success; 408, 429, 5xx and network errors to transient;
// every other status to permanent.
func (h *HTTP) Send(ctx context.Context, batchID string, p wire.Payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(p.Body))
	if err != nil {
		return permanent("build request: %v", err)
	}
	req.Header.Set("Content-Type", p.ContentType)
	if p.ContentEncoding != "" {
		req.Header.Set("Content-Encoding", p.ContentEncoding)
	}
	req.Header.Set(HeaderBatchID, batchID)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return transient("post %s: %v", batchID, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return transient("endpoint returned %d: %s", code, bytes.TrimSpace(snippet))
	default:
		return permanent("endpoint returned %d: %s", code, bytes.TrimSpace(snippet))
	}
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxErrorBody = 2048

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Path, e.Code, e.Body)
}

// Temporary reports whether the request may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// IsTemporary reports whether err is a StatusError worth retrying.
func IsTemporary(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Temporary()
}

// IsRetryable reports whether a request that failed with err may be sent
// again: transport failures and temporary statuses. Decode errors and venue
// rejections are final.
func IsRetryable(err error) bool {
	if IsTemporary(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Client posts JSON requests to the info endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type InfoRequest struct {
	Type      string `json:"type"`
	User      string `json:"user,omitempty"`
	Coin      string `json:"coin,omitempty"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
}

// Query decodes the info response into out.
func (c *Client) Query(ctx context.Context, req InfoRequest, out any) error {
	return c.post(ctx, "/info", req, out)
}

// Info expects an object response.
func (c *Client) Info(ctx context.Context, req any) (map[string]any, error) {
	var data map[string]any
	if err := c.post(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// InfoAny accepts any JSON response, used for list endpoints.
func (c *Client) InfoAny(ctx context.Context, req any) (any, error) {
	var data any
	if err := c.post(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, path string, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.log.Debug("rest request",
		zap.String("path", path),
		zap.String("type", requestType(req)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

func requestType(req any) string {
	switch r := req.(type) {
	case InfoRequest:
		return r.Type
	case map[string]any:
		if t, ok := r["type"].(string); ok {
			return t
		}
	}
	return ""
}

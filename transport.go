package ktaudit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

// Client talks to the key transparency service to request updates and to
// provide signed tree heads.
type Client interface {
	// Audit fetches one page of updates starting at the given log index.
	// more reports whether further pages are available beyond
	// start + len(updates).
	Audit(ctx context.Context, start, limit uint64) (updates []Update, more bool, err error)

	// SetAuditorHead sends a signed, audited tree head to the key
	// transparency service.
	SetAuditorHead(ctx context.Context, head TreeHead) error
}

// HTTPClient implements Client using protobuf messages over HTTP/HTTPS.
type HTTPClient struct {
	BaseURL string       // Base URL of the key transparency service
	Client  *http.Client // HTTP client (can customize timeouts, TLS, etc.)
}

// NewHTTPClient creates a client for the key transparency service at the
// given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client:  &http.Client{},
	}
}

// auditMaxRetries bounds the exponential backoff around one page fetch.
const auditMaxRetries = 4

// Audit requests a page of updates via HTTP POST, retrying transient
// failures with exponential backoff.
func (c *HTTPClient) Audit(ctx context.Context, start, limit uint64) ([]Update, bool, error) {
	body := marshalAuditRequest(start, limit)

	var updates []Update
	var more bool
	operation := func() error {
		respBody, err := c.post(ctx, "/audit", body)
		if err != nil {
			glog.Warningf("fetch updates from %d: %v", start, err)
			return err
		}
		updates, more, err = unmarshalAuditResponse(respBody)
		if err != nil {
			// A malformed response will not improve on retry.
			return backoff.Permanent(fmt.Errorf("unmarshal audit response: %w", err))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), auditMaxRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, false, err
	}
	return updates, more, nil
}

// SetAuditorHead transmits a signed tree head via HTTP POST.
func (c *HTTPClient) SetAuditorHead(ctx context.Context, head TreeHead) error {
	if _, err := c.post(ctx, "/head", marshalAuditorTreeHead(head)); err != nil {
		return fmt.Errorf("send signed tree head: %w", err)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, respBody)
	}
	return respBody, nil
}

// Package mailapi fetches attachment payloads from the mail service REST
// API.
package mailapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/mailattach/internal/model"
)

// Client is a thin HTTP client for the mail service attachment endpoint.
// It handles Bearer token authentication and automatic retry with
// exponential backoff on HTTP 429.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithMaxRetries sets how many times a rate-limited request is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// NewClient creates a client for the mail service rooted at baseURL
// (e.g., https://mail.example.com/api/v1).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchAttachment downloads and decodes one attachment payload. progress,
// if set, receives the number of response bytes read and the response
// length (or -1 when unknown).
func (c *Client) FetchAttachment(
	ctx context.Context,
	att model.Attachment,
	token string,
	progress func(done, total int64),
) ([]byte, error) {
	path := fmt.Sprintf(
		"/messages/%s/attachments/%s",
		url.PathEscape(att.MessageID), url.PathEscape(att.ID),
	)

	var payload AttachmentResponse
	if err := c.get(ctx, path, token, progress, &payload); err != nil {
		return nil, err
	}

	data, err := model.DecodePayload(payload.Data)
	if err != nil {
		return nil, err
	}

	if payload.Size > 0 && int64(len(data)) != payload.Size {
		return nil, model.Errorf(
			model.KindCorruptPayload, "fetch attachment",
			"decoded %d bytes, service reported %d", len(data), payload.Size,
		)
	}

	return data, nil
}

// get performs a GET request and unmarshals the JSON response, retrying
// on 429 with the Retry-After header or exponential backoff.
func (c *Client) get(
	ctx context.Context,
	path string,
	token string,
	progress func(done, total int64),
	result interface{},
) error {
	const op = "fetch attachment"
	url := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return model.NewError(model.KindRemoteError, op, fmt.Errorf("creating request: %w", err))
		}

		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return model.Canceled(op, ctxErr)
			}
			return model.NewError(
				model.KindRemoteError, op,
				fmt.Errorf("executing request GET %s: %w", path, err),
			)
		}

		var body io.Reader = resp.Body
		if progress != nil && resp.StatusCode == http.StatusOK {
			body = &progressReader{r: resp.Body, total: resp.ContentLength, fn: progress}
		}
		respBody, readErr := io.ReadAll(body)
		resp.Body.Close()
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return model.Canceled(op, ctxErr)
			}
			return model.NewError(model.KindRemoteError, op, fmt.Errorf("reading response body: %w", readErr))
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			waitDuration := retryAfterDuration(resp, attempt)
			lastErr = fmt.Errorf("rate limited (429) on GET %s", path)

			select {
			case <-ctx.Done():
				return model.Canceled(op, ctx.Err())
			case <-time.After(waitDuration):
				continue
			}
		}

		if err := statusError(resp.StatusCode, path, respBody); err != nil {
			return err
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return model.NewError(
				model.KindCorruptPayload, op,
				fmt.Errorf("unmarshaling response from GET %s: %w", path, err),
			)
		}

		return nil
	}

	return model.NewError(
		model.KindRemoteError, op,
		fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr),
	)
}

// statusError classifies a non-2xx response.
func statusError(status int, path string, body []byte) error {
	const op = "fetch attachment"
	if status >= 200 && status < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(body))
	var apiErr ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		msg = apiErr.Message
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.Errorf(
			model.KindAuthRequired, op,
			"authentication failed (%d) on GET %s: %s", status, path, msg,
		)
	case http.StatusNotFound:
		return model.Errorf(model.KindNotFound, op, "attachment not found on GET %s", path)
	}
	return model.Errorf(
		model.KindRemoteError, op,
		"unexpected status %d on GET %s: %s", status, path, msg,
	)
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, p.total)
	}
	return n, err
}

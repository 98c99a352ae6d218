// Package direct downloads attachments from plain HTTP(S) URLs.
package direct

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nhle/mailattach/internal/model"
)

// Client opens streaming downloads for direct attachment URLs.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// NewClient creates a direct download client. A nil hc selects a client
// without an overall timeout, since bodies are streamed and bounded by the
// caller's context instead.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	return &Client{httpClient: hc, userAgent: "mailattach"}
}

// Open starts a GET of rawURL and returns the response body with its
// declared length (-1 when unknown). The caller must close the body.
func (c *Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	const op = "download url"

	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, 0, model.Errorf(model.KindUnsupported, op, "unsupported url scheme in %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, model.NewError(model.KindRemoteError, op, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, model.Canceled(op, ctxErr)
		}
		return nil, 0, model.NewError(model.KindRemoteError, op, fmt.Errorf("executing request GET %s: %w", rawURL, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		kind := model.KindRemoteError
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = model.KindAuthRequired
		case http.StatusNotFound, http.StatusGone:
			kind = model.KindNotFound
		}
		return nil, 0, model.Errorf(kind, op, "unexpected status %d on GET %s", resp.StatusCode, rawURL)
	}

	return resp.Body, resp.ContentLength, nil
}

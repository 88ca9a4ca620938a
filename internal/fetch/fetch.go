// Package fetch retrieves signed artifacts from remote federation
// participants. It trusts nothing it downloads; signature checks belong to
// the callers.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spid-oidc/go-rp/pkg/oidf"
)

const retryBackoff = 250 * time.Millisecond

// Client downloads entity configurations and subordinate statements.
// Network level failures are retried a bounded number of times; HTTP error
// statuses are not.
type Client struct {
	httpClient *http.Client
	retries    int
	logger     *slog.Logger
}

func New(httpClient *http.Client, retries int, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if retries < 0 {
		retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		retries:    retries,
		logger:     logger,
	}
}

// EntityConfiguration fetches the self-signed configuration an entity
// publishes under its well-known path.
func (c *Client) EntityConfiguration(ctx context.Context, entityID string) (string, error) {
	uri := strings.TrimSuffix(entityID, "/") + "/" + oidf.WellKnownPath
	return c.get(ctx, uri)
}

// EntityStatement fetches the statement a superior issues about subject
// through its federation fetch endpoint.
func (c *Client) EntityStatement(ctx context.Context, fetchEndpoint, subject string) (string, error) {
	uri, err := url.Parse(fetchEndpoint)
	if err != nil {
		return "", oidf.Errorf(oidf.CodeFetchFailed, fmt.Sprintf("invalid fetch endpoint %q", fetchEndpoint), err)
	}

	params := uri.Query()
	params.Set("sub", subject)
	uri.RawQuery = params.Encode()

	return c.get(ctx, uri.String())
}

func (c *Client) get(ctx context.Context, uri string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", oidf.Errorf(oidf.CodeFetchFailed, "fetch cancelled", ctx.Err())
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return "", oidf.Errorf(oidf.CodeFetchFailed, fmt.Sprintf("invalid url %q", uri), err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("entity statement fetch failed",
				slog.String("url", uri), slog.Int("attempt", attempt), slog.String("error", err.Error()))
			continue
		}

		statement, err := readStatement(resp)
		if err != nil {
			resp.Body.Close()
			return "", err
		}
		resp.Body.Close()

		return statement, nil
	}

	return "", oidf.Errorf(oidf.CodeFetchFailed, fmt.Sprintf("could not fetch %s", uri), lastErr)
}

func readStatement(resp *http.Response) (string, error) {
	if resp.StatusCode != http.StatusOK {
		return "", oidf.NewError(oidf.CodeFetchFailed, fmt.Sprintf("fetching %s resulted in status %d", resp.Request.URL, resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, oidf.EntityStatementContentType) {
		return "", oidf.NewError(oidf.CodeFetchFailed, fmt.Sprintf("fetching %s resulted in content type %q", resp.Request.URL, contentType))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", oidf.Errorf(oidf.CodeFetchFailed, "could not read the entity statement", err)
	}

	return strings.TrimSpace(string(body)), nil
}

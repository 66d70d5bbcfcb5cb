// Package fetch retrieves remote text resources over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// ErrNotText is returned when a response body is not valid UTF-8
var ErrNotText = errors.New("response body is not UTF-8 text")

// Fetcher retrieves the body of a remote resource
type Fetcher interface {
	// Fetch returns the body of url, failing on any non-success response
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// StatusError reports a non-success HTTP response
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status code for %s: got %d, want %d", e.URL, e.StatusCode, http.StatusOK)
}

// HTTPFetcher implements Fetcher with net/http
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewHTTPFetcher creates a fetcher. A zero timeout means no client timeout.
func NewHTTPFetcher(timeout time.Duration, userAgent string, logger *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Fetch downloads url and checks that the body is text
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	f.logger.Debug("fetching", "url", url)
	start := time.Now()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if got, want := resp.StatusCode, http.StatusOK; got != want {
		return nil, &StatusError{URL: url, StatusCode: got}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body of %s: %w", url, err)
	}
	if !utf8.Valid(body) {
		return nil, fmt.Errorf("%s: %w", url, ErrNotText)
	}

	f.logger.Debug("fetched", "url", url, "bytes", len(body), "duration", time.Since(start))
	return body, nil
}

// Result is the outcome of one fetch
type Result struct {
	URL  string
	Body []byte
	Err  error
}

// FetchAll fetches urls with at most concurrency requests in flight. Results
// are returned in the order of urls, independent of completion order. The
// returned error is the failure of the earliest failing url; remaining
// fetches are cancelled once any fetch fails.
func FetchAll(ctx context.Context, f Fetcher, urls []string, concurrency int) ([]Result, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]Result, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, url := range urls {
		i, url := i, url
		results[i].URL = url
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return err
			}
			body, err := f.Fetch(gctx, url)
			results[i].Body = body
			results[i].Err = err
			return err
		})
	}

	// Cancellations triggered by another failure are skipped so that the
	// root cause is reported.
	_ = g.Wait()
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, context.Canceled) {
			return results, fmt.Errorf("fetch %s: %w", r.URL, r.Err)
		}
	}
	for _, r := range results {
		if r.Err != nil {
			return results, fmt.Errorf("fetch %s: %w", r.URL, r.Err)
		}
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// JoinURL resolves a file name relative to a base URL
func JoinURL(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(name, "/")
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Common errors.
var (
	ErrNotFound     = errors.New("fetch: resource not found")
	ErrForbidden    = errors.New("fetch: access forbidden")
	ErrUnauthorized = errors.New("fetch: unauthorized")
	ErrServerError  = errors.New("fetch: server error")
)

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	// Timeout bounds establishing a response, not reading its body.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts retries network errors and 5xx responses before any
	// body byte is handed out. Default: 0
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration
}

// DefaultHTTPOptions returns options with no retries.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Timeout:         30 * time.Second,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 30 * time.Second,
	}
}

// HTTPSource fetches http and https URLs.
type HTTPSource struct {
	client *http.Client
	opts   HTTPOptions
}

// NewHTTPSource creates an http(s) source.
func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		// payloads are verified byte for byte
		DisableCompression: true,
	}

	return &HTTPSource{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Fetch issues a GET and returns the response body as a stream.
func (s *HTTPSource) Fetch(ctx context.Context, rawURL string) (*Stream, error) {
	attempts := 0
	get := func() (*Stream, error) {
		attempts++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s", ErrServerError, resp.Status)
		}

		if err := checkStatusCode(resp.StatusCode); err != nil {
			resp.Body.Close()
			slog.Error("http_fetch_rejected", "url", rawURL, "status", resp.StatusCode)
			return nil, backoff.Permanent(err)
		}

		slog.Info("http_fetch_open", "url", rawURL, "size", resp.ContentLength)
		return &Stream{Body: resp.Body, Size: resp.ContentLength}, nil
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("http_fetch_retry", "url", rawURL, "attempt", attempts, "wait", wait, "error", err)
	}

	stream, err := backoff.RetryNotifyWithData(get, s.newBackOff(ctx), notify)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		slog.Error("http_fetch_failed", "url", rawURL, "attempts", attempts, "error", err)
		return nil, fmt.Errorf("get request failed after %d attempts: %w", attempts, err)
	}
	return stream, nil
}

// newBackOff builds the retry policy: exponential with jitter, capped at
// RetryMaxBackoff, at most RetryAttempts retries, stopped by ctx.
func (s *HTTPSource) newBackOff(ctx context.Context) backoff.BackOff {
	attempts := s.opts.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.opts.RetryBackoff),
		backoff.WithMaxInterval(s.opts.RetryMaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts)), ctx)
}

func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

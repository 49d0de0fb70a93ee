// Package fetch retrieves recovery payloads and catalogs from http(s), s3
// and local file URLs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

// ErrUnsupportedScheme is returned when no source handles a URL's scheme.
var ErrUnsupportedScheme = errors.New("fetch: unsupported url scheme")

// Stream is an open, non-restartable payload body. Size is the declared
// length in bytes, or -1 when the source does not declare one.
type Stream struct {
	Body io.ReadCloser
	Size int64
}

// Fetcher opens the resource at a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Stream, error)
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc func(ctx context.Context, rawURL string) (*Stream, error)

func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) (*Stream, error) {
	return f(ctx, rawURL)
}

// Router dispatches to a Fetcher by URL scheme.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Fetcher
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Fetcher)}
}

// Handle registers f for scheme. A URL without a scheme is routed to "file".
func (r *Router) Handle(scheme string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[strings.ToLower(scheme)] = f
}

// Schemes lists the registered schemes.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.routes))
	for s := range r.routes {
		schemes = append(schemes, s)
	}
	return schemes
}

// Fetch opens rawURL with the source registered for its scheme.
func (r *Router) Fetch(ctx context.Context, rawURL string) (*Stream, error) {
	scheme := schemeOf(rawURL)

	r.mu.RLock()
	f, ok := r.routes[scheme]
	r.mu.RUnlock()

	if !ok {
		slog.Error("fetch_scheme_unsupported", "url", rawURL, "scheme", scheme)
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return f.Fetch(ctx, rawURL)
}

func schemeOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return "file"
	}
	// single-letter schemes are Windows drive letters
	if len(u.Scheme) == 1 {
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

package scripts

import (
	"context"
	"fmt"
	"io"
	"net/url"
)

// Fetcher streams the content at a download URL into w.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, w io.Writer) error
}

// FetchError is a failure to obtain a script from its repository.
type FetchError struct {
	URL    string
	Status int // HTTP status when one was received
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SchemeFetcher routes a URL to the fetcher registered for its scheme.
type SchemeFetcher map[string]Fetcher

func (m SchemeFetcher) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &FetchError{URL: rawURL, Err: err}
	}
	f, ok := m[u.Scheme]
	if !ok {
		return &FetchError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return f.Fetch(ctx, rawURL, w)
}

// Package fetcher retrieves raw page HTML using gocolly.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gocolly/colly/v2"
)

// ErrTimeout marks fetches that exceeded the configured deadline. Use
// errors.Is to distinguish timeouts from other fetch failures.
var ErrTimeout = errors.New("fetch timed out")

// Error describes a failed page fetch. StatusCode is zero when the failure
// happened before any response arrived.
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Page is the result of a successful fetch.
type Page struct {
	Body       string
	StatusCode int
	Duration   time.Duration
}

// Fetcher performs single-page HTTP fetches. One outbound call per Fetch,
// no retries: a failed fetch fails the whole audit.
type Fetcher struct {
	cfg Config
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Fetcher{cfg: cfg}
}

// Fetch executes a single HTTP GET and returns the body as text. Any
// transport failure, timeout, or non-success status yields a *Error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		page     Page
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		page.Body = string(r.Body)
		page.StatusCode = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	start := time.Now()
	if err := f.runCollector(ctx, collector, rawURL); err != nil {
		return Page{}, f.wrap(rawURL, status, err)
	}
	if fetchErr != nil {
		return Page{}, f.wrap(rawURL, status, fetchErr)
	}
	page.Duration = time.Since(start)
	return page, nil
}

// runCollector bridges colly's blocking Visit with context cancellation.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (f *Fetcher) wrap(rawURL string, status int, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{
			URL: rawURL,
			Err: fmt.Errorf("%w after %s", ErrTimeout, f.cfg.Timeout),
		}
	}
	return &Error{URL: rawURL, StatusCode: status, Err: err}
}

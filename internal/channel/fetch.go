package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Timeout bounds for the adaptive request timeout.
const (
	// MinFetchTimeout is the floor of the adaptive timeout
	MinFetchTimeout = 5 * time.Second

	// MaxFetchTimeout is the ceiling of the adaptive timeout
	MaxFetchTimeout = 45 * time.Second

	// maxResponseBytes caps how much of a response body is read
	maxResponseBytes = 32 << 20
)

// ErrTimeout marks a request that exceeded the adaptive timeout. The
// scheduler logs it but does not count it against the channel's error
// budget; the next request simply gets more time.
var ErrTimeout = errors.New("request timed out")

// Fetcher performs the HTTP requests of polling channels with an adaptive
// timeout: after each successful request the next timeout is set to twice
// the observed latency, clamped to [MinFetchTimeout, MaxFetchTimeout]. A
// provider that slows down gets more patience on the next cycle instead of
// a burst of spurious timeouts.
type Fetcher struct {
	// Client is the underlying HTTP client. Its own Timeout stays zero;
	// per-request deadlines come from the adaptive value.
	Client *http.Client

	mu      sync.Mutex
	timeout time.Duration
}

// NewFetcher creates a fetcher starting at the maximum timeout so the
// first request of a session never fails early.
func NewFetcher() *Fetcher {
	return &Fetcher{
		Client:  &http.Client{},
		timeout: MaxFetchTimeout,
	}
}

// Timeout returns the timeout the next request will get.
func (f *Fetcher) Timeout() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeout
}

func (f *Fetcher) setTimeout(d time.Duration) {
	if d < MinFetchTimeout {
		d = MinFetchTimeout
	}
	if d > MaxFetchTimeout {
		d = MaxFetchTimeout
	}
	f.mu.Lock()
	f.timeout = d
	f.mu.Unlock()
}

// Do executes the request with the adaptive timeout and returns the body.
// Status handling:
//   - 2xx: body returned, timeout adapted to the observed latency
//   - 429: *RateLimitError with Retry-After and quota headers
//   - anything else: *HTTPError carrying status, headers and body
//
// A timeout returns an error wrapping ErrTimeout and doubles the next
// timeout.
func (f *Fetcher) Do(ctx context.Context, req *http.Request) ([]byte, http.Header, error) {
	timeout := f.Timeout()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := f.Client.Do(req.WithContext(reqCtx))
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			f.setTimeout(2 * timeout)
			return nil, nil, fmt.Errorf("%w after %v: %s", ErrTimeout, timeout, req.URL.Host)
		}
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	f.setTimeout(2 * latency)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.Header, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resp.Header, &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header),
			Message:    "rate limit exceeded",
			Headers:    extractRateLimitHeaders(resp.Header),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.Header, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	return body, resp.Header, nil
}

// Get is a convenience wrapper around Do for plain GET requests.
func (f *Fetcher) Get(ctx context.Context, url string, decorate func(*http.Request)) ([]byte, http.Header, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if decorate != nil {
		decorate(req)
	}
	return f.Do(ctx, req)
}

// HTTPError is a non-2xx, non-429 response. Channels inspect the status
// code to distinguish rejected credentials from transient server trouble.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if len(e.Body) > 120 {
		return fmt.Sprintf("HTTP %d: %.120s...", e.StatusCode, e.Body)
	}
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsHTTPStatus reports whether err is an HTTPError with the given status.
func IsHTTPStatus(err error, status int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == status
}

// RateLimitError represents an HTTP 429 rate limit error with retry information.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Headers    RateLimitHeaders
}

// RateLimitHeaders contains rate limit information from response headers.
type RateLimitHeaders struct {
	Limit     int       // X-Rate-Limit-Limit: Maximum requests allowed
	Remaining int       // X-Rate-Limit-Remaining: Requests remaining in current window
	Reset     time.Time // X-Rate-Limit-Reset: When the rate limit resets
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %v)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// parseRetryAfter extracts the Retry-After header value.
// Returns the duration to wait, or 0 if header is not present.
// Supports both delay-seconds (integer) and HTTP-date formats.
func parseRetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	// Try parsing as delay-seconds (e.g., "30")
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	// Try parsing as HTTP-date (e.g., "Wed, 21 Oct 2015 07:28:00 GMT")
	if retryTime, err := http.ParseTime(retryAfter); err == nil {
		duration := time.Until(retryTime)
		if duration > 0 {
			return duration
		}
	}

	return 0
}

// extractRateLimitHeaders extracts common rate limit headers from the
// response. Providers use both the X-Rate-Limit-* and X-RateLimit-*
// spellings.
func extractRateLimitHeaders(headers http.Header) RateLimitHeaders {
	rlh := RateLimitHeaders{
		Limit:     -1,
		Remaining: -1,
	}

	intHeader := func(names ...string) (int, bool) {
		for _, name := range names {
			if v := headers.Get(name); v != "" {
				if val, err := strconv.Atoi(v); err == nil {
					return val, true
				}
			}
		}
		return 0, false
	}

	if v, ok := intHeader("X-Rate-Limit-Limit", "X-RateLimit-Limit"); ok {
		rlh.Limit = v
	}
	if v, ok := intHeader("X-Rate-Limit-Remaining", "X-RateLimit-Remaining"); ok {
		rlh.Remaining = v
	}
	if v, ok := intHeader("X-Rate-Limit-Reset", "X-RateLimit-Reset"); ok {
		rlh.Reset = time.Unix(int64(v), 0)
	}

	return rlh
}

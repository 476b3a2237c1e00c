package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestFetcherSuccess tests body delivery and timeout adaptation.
func TestFetcherSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	f := NewFetcher()
	if f.Timeout() != MaxFetchTimeout {
		t.Errorf("Expected initial timeout %v, got %v", MaxFetchTimeout, f.Timeout())
	}

	body, _, err := f.Get(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("Unexpected body: %s", body)
	}

	// A fast local response should pull the adaptive timeout down to the floor
	if f.Timeout() != MinFetchTimeout {
		t.Errorf("Expected timeout clamped to %v, got %v", MinFetchTimeout, f.Timeout())
	}
}

// TestFetcherRateLimit tests 429 handling with Retry-After and quota headers.
func TestFetcherRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.Header().Set("X-Rate-Limit-Remaining", "0")
		w.Header().Set("X-Rate-Limit-Limit", "400")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	f := NewFetcher()
	_, _, err := f.Get(context.Background(), server.URL, nil)

	rle, ok := IsRateLimitError(err)
	if !ok {
		t.Fatalf("Expected RateLimitError, got: %v", err)
	}
	if rle.RetryAfter != 30*time.Second {
		t.Errorf("Expected RetryAfter 30s, got %v", rle.RetryAfter)
	}
	if rle.Headers.Remaining != 0 {
		t.Errorf("Expected remaining 0, got %d", rle.Headers.Remaining)
	}
	if rle.Headers.Limit != 400 {
		t.Errorf("Expected limit 400, got %d", rle.Headers.Limit)
	}
}

// TestFetcherHTTPError tests non-2xx handling.
func TestFetcherHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer server.Close()

	f := NewFetcher()
	_, _, err := f.Get(context.Background(), server.URL, nil)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !IsHTTPStatus(err, http.StatusUnauthorized) {
		t.Errorf("Expected 401 HTTPError, got: %v", err)
	}
	if IsHTTPStatus(err, http.StatusForbidden) {
		t.Error("IsHTTPStatus should not match a different status")
	}
}

// TestFetcherTimeout tests that a slow provider yields ErrTimeout and
// widens the next timeout.
func TestFetcherTimeout(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	f := NewFetcher()
	// setTimeout would clamp to the floor, set the field directly
	f.mu.Lock()
	f.timeout = 50 * time.Millisecond
	f.mu.Unlock()

	_, _, err := f.Get(context.Background(), server.URL, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got: %v", err)
	}
	if f.Timeout() <= 50*time.Millisecond {
		t.Errorf("Expected widened timeout, got %v", f.Timeout())
	}
}

// TestFetcherRequestDecoration tests that the decorate hook can add headers.
func TestFetcherRequestDecoration(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	f := NewFetcher()
	_, _, err := f.Get(context.Background(), server.URL, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer token123")
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if gotAuth != "Bearer token123" {
		t.Errorf("Expected decorated Authorization header, got %q", gotAuth)
	}
}

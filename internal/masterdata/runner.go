package masterdata

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/unklstewy/skyfeed/internal/channel"
)

// Runner gives one resolver its goroutine and its channel state (status
// line, error ceiling). Each cycle it picks up the queue's requests for
// its stage, nearest aircraft first, and does the error classification.
type Runner struct {
	channel.Base

	q        *Queue
	resolver Resolver
	stage    int

	mu     sync.Mutex
	ignore map[string]time.Time
}

func newRunner(q *Queue, r Resolver, stage int) *Runner {
	return &Runner{
		Base:     channel.NewBase(r.Name(), 0),
		q:        q,
		resolver: r,
		stage:    stage,
		ignore:   make(map[string]time.Time),
	}
}

// ignores reports whether the request sits on this runner's ignore list.
func (r *Runner) ignores(req Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.ignore[req.ignoreKey()]
	return ok && time.Now().Before(expiry)
}

// addIgnore records a definitive miss for the request.
func (r *Runner) addIgnore(req Request) {
	r.mu.Lock()
	r.ignore[req.ignoreKey()] = time.Now().Add(r.q.ignoreExpiry)
	r.mu.Unlock()
}

// expireIgnores drops expired ignore entries. Called from Queue.Purge.
func (r *Runner) expireIgnores(now time.Time) {
	r.mu.Lock()
	for k, expiry := range r.ignore {
		if now.After(expiry) {
			delete(r.ignore, k)
		}
	}
	r.mu.Unlock()
}

// Run loops until the context is canceled, working the queue every
// resolver interval. Satisfies channel.Streamer so runners register like
// any other channel.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.IsEnabled() || r.Paused() {
				continue
			}
			r.processBatch(ctx)
		}
	}
}

// processBatch works one private copy of the pending requests for this
// resolver. A transient error aborts the batch so a dead backend is hit
// once per cycle, not once per aircraft.
func (r *Runner) processBatch(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[%s] PANIC in resolver: %v", r.Name(), rec)
			r.SetValid(false, true)
		}
	}()

	resolved := 0
	for _, req := range r.q.snapshot(r.stage) {
		if ctx.Err() != nil {
			return
		}
		if r.ignores(req) {
			r.q.forward(req)
			continue
		}

		data, err := r.resolver.Resolve(ctx, req)
		switch {
		case err == nil:
			r.q.mergeResult(req, data)
			r.q.complete(req)
			resolved++
			r.DecErrCnt()

		case errors.Is(err, ErrNotFound):
			// Not an error, just not this resolver's aircraft
			r.addIgnore(req)
			r.q.forward(req)

		case errors.Is(err, ErrBadRequest):
			log.Printf("[%s] %s lookup for %s rejected: %v",
				r.Name(), req.Kind, req.Key, err)
			r.addIgnore(req)
			r.q.forward(req)

		case ctx.Err() != nil:
			return

		default:
			if rle, ok := channel.IsRateLimitError(err); ok {
				wait := rle.RetryAfter
				if wait <= 0 {
					wait = r.q.interval
				}
				log.Printf("[%s] rate limited, pausing %v", r.Name(), wait)
				r.PauseUntil(time.Now().Add(wait))
				return
			}
			log.Printf("[%s] lookup failed: %v", r.Name(), err)
			if !r.IncErrCnt(err) {
				log.Printf("[%s] too many errors, resolver disabled until restart", r.Name())
			}
			return
		}
	}
	if resolved > 0 {
		r.SetAircraftServed(resolved)
	}
}

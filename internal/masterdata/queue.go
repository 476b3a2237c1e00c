// Package masterdata resolves aircraft master data (registration, type,
// operator) and flight routes from secondary sources. Live channels
// enqueue lookup requests; a chain of resolvers works them off nearest
// aircraft first, each resolver forwarding definitive misses to the next.
package masterdata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/unklstewy/skyfeed/pkg/track"
)

// Kind distinguishes the two lookup flavors.
type Kind int

const (
	// KindAircraft asks for airframe master data by key.
	KindAircraft Kind = iota

	// KindRoute asks for origin/destination/flight number by call sign.
	KindRoute
)

func (k Kind) String() string {
	if k == KindRoute {
		return "route"
	}
	return "aircraft"
}

// ErrNotFound is returned by a resolver that definitively does not know
// the aircraft or route. The request moves on to the next resolver; the
// miss is not an error.
var ErrNotFound = errors.New("not found")

// ErrBadRequest is returned when the provider rejects the request itself,
// typically a malformed call sign. The offending value goes on the
// resolver's ignore list.
var ErrBadRequest = errors.New("request rejected")

// Request is one queued lookup.
type Request struct {
	// Key identifies the aircraft the answer is merged into.
	Key track.Key

	// Call is the call sign, required for route lookups.
	Call string

	// Kind selects aircraft vs route resolution.
	Kind Kind

	// DistanceM is the aircraft's distance from the viewer in meters.
	// Closer aircraft are resolved first; their labels matter most.
	DistanceM float64
}

// ignoreKey is what lands on an ignore list after a definitive miss.
func (r Request) ignoreKey() string {
	if r.Kind == KindRoute {
		return "route:" + r.Call
	}
	return "ac:" + r.Key.String()
}

// requestID dedups queued requests.
type requestID struct {
	key  track.Key
	kind Kind
	call string
}

// pendingReq is a queued request plus its position in the resolver chain.
type pendingReq struct {
	req Request

	// stage is the index of the resolver that should try next.
	stage int

	// queued is when the request was first enqueued.
	queued time.Time
}

// Resolver answers lookup requests from one source (file, database,
// network service). Implementations do their own pacing; the queue never
// holds its lock across a Resolve call.
type Resolver interface {
	// Name identifies the resolver in logs and status output.
	Name() string

	// Resolve answers one request. Return ErrNotFound for a definitive
	// miss, ErrBadRequest for an unresolvable request, any other error
	// for transient trouble (the request stays queued).
	Resolve(ctx context.Context, req Request) (track.StaticData, error)
}

// maxRequestAge drops requests nothing could answer within this time.
const maxRequestAge = 10 * time.Minute

// Queue is the shared lookup queue. One instance serves all channels and
// all resolvers. Resolvers are attached in priority order; offline
// sources (file, database) should come before network ones.
type Queue struct {
	store        *track.Store
	interval     time.Duration
	ignoreExpiry time.Duration

	mu      sync.Mutex
	pending map[requestID]*pendingReq
	runners []*Runner
}

// NewQueue creates a queue merging answers into the given store.
// interval is each resolver's poll cadence, ignoreExpiry how long a
// definitive miss keeps a key off a resolver.
func NewQueue(store *track.Store, interval, ignoreExpiry time.Duration) *Queue {
	return &Queue{
		store:        store,
		interval:     interval,
		ignoreExpiry: ignoreExpiry,
		pending:      make(map[requestID]*pendingReq),
	}
}

// AddResolver appends a resolver to the chain and returns its runner,
// which the caller registers with the channel registry so it gets a
// goroutine and shows up in status output.
func (q *Queue) AddResolver(r Resolver) *Runner {
	q.mu.Lock()
	defer q.mu.Unlock()
	runner := newRunner(q, r, len(q.runners))
	q.runners = append(q.runners, runner)
	return runner
}

// Enqueue files a lookup request. Duplicates of a still-pending request
// are dropped. Requests already definitively missed by every resolver are
// dropped until the ignore entries expire.
func (q *Queue) Enqueue(req Request) {
	if req.Key.IsZero() {
		return
	}
	if req.Kind == KindRoute && req.Call == "" {
		return
	}

	id := requestID{key: req.Key, kind: req.Kind, call: req.Call}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.runners) == 0 {
		return
	}
	if p, ok := q.pending[id]; ok {
		// Keep the priority current while the aircraft moves
		p.req.DistanceM = req.DistanceM
		return
	}

	// Start at the first resolver that has not given up on this request
	stage := 0
	for stage < len(q.runners) && q.runners[stage].ignores(req) {
		stage++
	}
	if stage >= len(q.runners) {
		return
	}

	q.pending[id] = &pendingReq{req: req, stage: stage, queued: time.Now().UTC()}
}

// Pending returns the number of queued requests.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// snapshot returns a private copy of the requests waiting for the given
// stage, nearest aircraft first.
func (q *Queue) snapshot(stage int) []Request {
	q.mu.Lock()
	var out []Request
	for _, p := range q.pending {
		if p.stage == stage {
			out = append(out, p.req)
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].DistanceM < out[j].DistanceM
	})
	return out
}

// complete removes a successfully answered request.
func (q *Queue) complete(req Request) {
	id := requestID{key: req.Key, kind: req.Kind, call: req.Call}
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

// forward moves a request to the next resolver in the chain, skipping
// resolvers that already ignore it. Falls off the end silently: nobody
// knows this aircraft.
func (q *Queue) forward(req Request) {
	id := requestID{key: req.Key, kind: req.Kind, call: req.Call}

	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[id]
	if !ok {
		return
	}
	p.stage++
	for p.stage < len(q.runners) && q.runners[p.stage].ignores(p.req) {
		p.stage++
	}
	if p.stage >= len(q.runners) {
		delete(q.pending, id)
	}
}

// Purge is the maintenance hook: drops requests for aircraft the store no
// longer tracks, drops requests past maxRequestAge, and expires ignore
// entries on every runner.
func (q *Queue) Purge(now time.Time) {
	q.mu.Lock()
	for id, p := range q.pending {
		if now.Sub(p.queued) > maxRequestAge {
			delete(q.pending, id)
			continue
		}
		if _, ok := q.store.Get(id.key); !ok {
			delete(q.pending, id)
		}
	}
	runners := make([]*Runner, len(q.runners))
	copy(runners, q.runners)
	q.mu.Unlock()

	for _, r := range runners {
		r.expireIgnores(now)
	}
}

// mergeResult folds a resolver answer into the aircraft's record.
func (q *Queue) mergeResult(req Request, data track.StaticData) {
	rec, ok := q.store.Get(req.Key)
	if !ok {
		// Aircraft vanished while the lookup was in flight
		return
	}
	rec.MergeStatic(data)
}

package channel

import (
	"context"
	"errors"
	"log"
	"time"
)

// Scheduler drives all polling channels from a single goroutine: one poll
// of every ready channel per refresh interval, plus a slower maintenance
// cycle for housekeeping (track sweeps, request-queue purges). Stream
// channels run their own goroutines and are only started and stopped here.
type Scheduler struct {
	registry *Registry

	// refresh is the pause between poll rounds
	refresh time.Duration

	// maintenance is the pause between housekeeping rounds
	maintenance time.Duration

	// maintainFns run each maintenance round, in order
	maintainFns []func(now time.Time)
}

// NewScheduler creates a scheduler for the registry's channels.
func NewScheduler(reg *Registry, refresh, maintenance time.Duration) *Scheduler {
	return &Scheduler{
		registry:    reg,
		refresh:     refresh,
		maintenance: maintenance,
	}
}

// OnMaintenance registers a housekeeping function run every maintenance
// cycle. Register before Run.
func (s *Scheduler) OnMaintenance(fn func(now time.Time)) {
	s.maintainFns = append(s.maintainFns, fn)
}

// Run starts all stream channels and then loops polling until the context
// is canceled. Blocks; call from its own goroutine or from main.
func (s *Scheduler) Run(ctx context.Context) {
	for _, st := range s.registry.Streamers() {
		go st.Run(ctx)
	}

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()
	maintTicker := time.NewTicker(s.maintenance)
	defer maintTicker.Stop()

	// First round immediately so startup does not wait a full interval
	s.pollAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAll(ctx)
		case now := <-maintTicker.C:
			for _, fn := range s.maintainFns {
				fn(now.UTC())
			}
		}
	}
}

// pollAll runs one round over every ready polling channel.
func (s *Scheduler) pollAll(ctx context.Context) {
	for _, p := range s.registry.Pollers() {
		if ctx.Err() != nil {
			return
		}
		if !p.IsEnabled() || p.Paused() {
			continue
		}
		s.pollOne(ctx, p)
	}
}

// pollOne runs a single channel's Poll with panic containment and error
// accounting. A panicking channel is taken out of service instead of
// killing the scheduler.
func (s *Scheduler) pollOne(ctx context.Context, p Poller) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] PANIC in channel: %v", p.Name(), r)
			p.SetValid(false, true)
		}
	}()

	err := p.Poll(ctx)
	switch {
	case err == nil:
		p.DecErrCnt()

	case ctx.Err() != nil:
		// Shutting down, not a channel failure

	case errors.Is(err, ErrTimeout):
		// Slow provider, not an error; the fetcher already widened the
		// next timeout
		log.Printf("[%s] %v", p.Name(), err)

	default:
		if rle, ok := IsRateLimitError(err); ok {
			wait := rle.RetryAfter
			if wait <= 0 {
				wait = s.refresh
			}
			log.Printf("[%s] rate limited, pausing %v", p.Name(), wait)
			p.PauseUntil(time.Now().Add(wait))
			return
		}
		log.Printf("[%s] poll failed: %v", p.Name(), err)
		if !p.IncErrCnt(err) {
			log.Printf("[%s] too many errors, channel disabled until restart", p.Name())
		}
	}
}

// Package channel provides the framework shared by all data channels:
// the channel contract, the per-channel validity and error-count state
// machine, the registry, and the scheduler driving polling channels.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxErrors is the consecutive-error ceiling used when the
// configuration does not override it. Once a channel exceeds it, the
// channel is marked invalid and excluded from scheduling until restarted.
const DefaultMaxErrors = 5

// Channel is the contract every data channel fulfills. Concrete channels
// embed Base, which provides everything except Name-specific behavior.
type Channel interface {
	// Name is the short channel identifier used in logs and status output.
	Name() string

	// Valid reports whether the channel is operational. A channel turns
	// invalid after too many consecutive errors or a definitive rejection
	// by the provider, and stays invalid until restarted.
	Valid() bool

	// SetValid switches the channel valid or invalid. Invalidating with
	// wasError=true counts as a runtime failure and is logged as such.
	SetValid(valid bool, wasError bool)

	// SetEnabled flips the user's on/off switch without touching validity.
	SetEnabled(on bool)

	// IsEnabled reports whether the channel should be doing work: switched
	// on by the user and currently valid.
	IsEnabled() bool

	// Status is the one-line, user-facing state of the channel.
	Status() string
}

// Poller is a pull channel driven by the scheduler: one fetch per refresh
// cycle.
type Poller interface {
	Channel

	// Poll performs one fetch/process cycle. Transient failures are
	// returned as errors; the scheduler does the error accounting.
	Poll(ctx context.Context) error

	// Error accounting and rate-limit pausing, provided by Base.
	IncErrCnt(err error) bool
	DecErrCnt()
	Paused() bool
	PauseUntil(t time.Time)
}

// Streamer is a push channel owning its own goroutine for the lifetime of
// the process (TCP streams, UDP listeners).
type Streamer interface {
	Channel

	// Run blocks until the context is canceled, maintaining the stream
	// connection and processing inbound data.
	Run(ctx context.Context)
}

// Base carries the state machine every channel shares: validity, the
// consecutive-error counter, a rate-limit pause, and the served-aircraft
// gauge feeding the status line. Channels embed it and pass their name at
// construction.
type Base struct {
	name   string
	maxErr int

	mu          sync.Mutex
	enabled     bool
	valid       bool
	errCnt      int
	pausedUntil time.Time
	acServed    int
	lastErr     string
}

// NewBase creates channel base state. maxErr <= 0 selects DefaultMaxErrors.
// Channels start valid.
func NewBase(name string, maxErr int) Base {
	if maxErr <= 0 {
		maxErr = DefaultMaxErrors
	}
	return Base{name: name, maxErr: maxErr, enabled: true, valid: true}
}

// Name returns the channel identifier.
func (b *Base) Name() string {
	return b.name
}

// Valid reports whether the channel is operational.
func (b *Base) Valid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.valid
}

// SetEnabled flips the user's on/off switch. Disabling does not touch
// validity or the error count; a re-enabled channel resumes where it was.
func (b *Base) SetEnabled(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = on
}

// IsEnabled reports whether the channel should be doing work: switched on
// by the user and currently valid. The scheduler polls only channels for
// which this holds.
func (b *Base) IsEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled && b.valid
}

// SetValid switches validity. Turning a channel valid again resets the
// error counter and clears any rate-limit pause.
func (b *Base) SetValid(valid bool, wasError bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.valid = valid
	if valid {
		b.errCnt = 0
		b.pausedUntil = time.Time{}
		b.lastErr = ""
	} else if wasError {
		b.errCnt = b.maxErr + 1
	}
}

// Invalidate turns the channel off with a user-visible reason, used when
// the provider definitively rejected us (bad credentials, banned key).
// Unlike the error ceiling this is immediate; the reason shows in Status.
func (b *Base) Invalidate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.valid = false
	b.errCnt = b.maxErr + 1
	if err != nil {
		b.lastErr = err.Error()
	}
}

// IncErrCnt records one more consecutive error. When the count exceeds the
// ceiling the channel turns invalid; the return value is false in that
// case so callers can log the shutdown.
func (b *Base) IncErrCnt(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.lastErr = err.Error()
	}
	b.errCnt++
	if b.errCnt > b.maxErr {
		b.valid = false
		return false
	}
	return true
}

// DecErrCnt lets the error count decay after a successful cycle, so a
// flaky-but-working connection is not pushed over the ceiling by
// occasional hiccups.
func (b *Base) DecErrCnt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.errCnt > 0 {
		b.errCnt--
	}
}

// ErrCnt returns the current consecutive-error count.
func (b *Base) ErrCnt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errCnt
}

// PauseUntil suspends scheduling of this channel until t, typically from a
// provider's Retry-After answer. Being paused is not an error.
func (b *Base) PauseUntil(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pausedUntil = t
}

// Paused reports whether the channel is inside a rate-limit pause.
func (b *Base) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.pausedUntil)
}

// SetAircraftServed updates the served-aircraft gauge shown in Status.
func (b *Base) SetAircraftServed(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acServed = n
}

// AircraftServed returns the served-aircraft gauge.
func (b *Base) AircraftServed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acServed
}

// Status renders the user-facing state line.
func (b *Base) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled {
		return "off"
	}
	if !b.valid {
		if b.lastErr != "" {
			return fmt.Sprintf("inactive (%s)", b.lastErr)
		}
		return "inactive"
	}
	if until := b.pausedUntil; time.Now().Before(until) {
		return fmt.Sprintf("paused, retrying in %.0fs", time.Until(until).Seconds())
	}
	if b.acServed > 0 {
		return fmt.Sprintf("active, serving %d aircraft", b.acServed)
	}
	return "active"
}

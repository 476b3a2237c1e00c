package channel

import (
	"log"
	"sync"
)

// Registry is the explicit collection of all configured channels. It is
// created in main and handed to the scheduler and the status API; nothing
// in this package keeps package-level channel state.
type Registry struct {
	mu        sync.RWMutex
	pollers   []Poller
	streamers []Streamer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddPoller registers a pull channel with the scheduler loop.
func (r *Registry) AddPoller(p Poller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollers = append(r.pollers, p)
}

// AddStreamer registers a push channel that runs its own goroutine.
func (r *Registry) AddStreamer(s Streamer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamers = append(r.streamers, s)
}

// Pollers returns the registered pull channels in registration order.
func (r *Registry) Pollers() []Poller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Poller, len(r.pollers))
	copy(out, r.pollers)
	return out
}

// Streamers returns the registered push channels in registration order.
func (r *Registry) Streamers() []Streamer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Streamer, len(r.streamers))
	copy(out, r.streamers)
	return out
}

// All returns every registered channel, pollers first.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.pollers)+len(r.streamers))
	for _, p := range r.pollers {
		out = append(out, p)
	}
	for _, s := range r.streamers {
		out = append(out, s)
	}
	return out
}

// Statuses returns the status line of every channel, keyed by name.
func (r *Registry) Statuses() map[string]string {
	out := make(map[string]string)
	for _, ch := range r.All() {
		out[ch.Name()] = ch.Status()
	}
	return out
}

// RestartInvalid re-validates every invalid channel, giving it a fresh
// error budget. Called on explicit operator request.
func (r *Registry) RestartInvalid() int {
	restarted := 0
	for _, ch := range r.All() {
		if !ch.Valid() {
			log.Printf("[%s] restarting channel", ch.Name())
			ch.SetValid(true, false)
			restarted++
		}
	}
	return restarted
}

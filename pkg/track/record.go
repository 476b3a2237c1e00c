package track

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/unklstewy/skyfeed/pkg/geo"
)

// PositionBufferSize is the number of recent positions kept per aircraft.
// Downstream consumers interpolate between buffered positions, so a small
// window of history is enough.
const PositionBufferSize = 20

// StaticData holds the slowly changing master data of an aircraft.
// Most of it comes from registration databases rather than the live feed,
// so fields fill in over time and are never cleared once known.
type StaticData struct {
	// Registration is the tail number (e.g. "D-ABYT")
	Registration string `json:"reg,omitempty"`

	// Country derived from the ICAO address block or registration prefix
	Country string `json:"country,omitempty"`

	// AcTypeICAO is the ICAO type designator (e.g. "A388")
	AcTypeICAO string `json:"ac_type,omitempty"`

	// Manufacturer name (e.g. "Airbus")
	Manufacturer string `json:"man,omitempty"`

	// Model name (e.g. "A380-841")
	Model string `json:"mdl,omitempty"`

	// CatDescr is the wake/category description from the provider
	CatDescr string `json:"cat_descr,omitempty"`

	// Call is the current call sign (e.g. "DLH454")
	Call string `json:"call,omitempty"`

	// Origin airport code of the current flight
	Origin string `json:"origin,omitempty"`

	// Destination airport code of the current flight
	Destination string `json:"dest,omitempty"`

	// FlightNo is the commercial flight number (e.g. "LH454")
	FlightNo string `json:"flight,omitempty"`

	// Operator name (e.g. "Lufthansa")
	Operator string `json:"op,omitempty"`

	// OperatorICAO is the 3-letter operator code (e.g. "DLH")
	OperatorICAO string `json:"op_icao,omitempty"`

	// initialized is set once any provider delivered static data,
	// whether or not the lookup actually found anything.
	initialized bool
}

// IsInitialized reports whether master data has ever been delivered for
// this aircraft. An uninitialized facet triggers a master-data request.
func (s *StaticData) IsInitialized() bool {
	return s.initialized
}

// merge fills empty fields of s from o and reports whether anything
// changed. Known values are never overwritten, with one exception: a
// non-empty call sign replaces an older one, since call signs change
// between flights. Merging is idempotent.
func (s *StaticData) merge(o *StaticData) bool {
	changed := false
	fill := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			changed = true
		}
	}
	fill(&s.Registration, o.Registration)
	fill(&s.Country, o.Country)
	fill(&s.AcTypeICAO, o.AcTypeICAO)
	fill(&s.Manufacturer, o.Manufacturer)
	fill(&s.Model, o.Model)
	fill(&s.CatDescr, o.CatDescr)
	fill(&s.Origin, o.Origin)
	fill(&s.Destination, o.Destination)
	fill(&s.FlightNo, o.FlightNo)
	fill(&s.Operator, o.Operator)
	fill(&s.OperatorICAO, o.OperatorICAO)

	if o.Call != "" && o.Call != s.Call {
		s.Call = o.Call
		changed = true
	}

	if !s.initialized {
		s.initialized = true
		changed = true
	}
	return changed
}

// DynamicData holds the fast-changing state delivered with every sighting.
type DynamicData struct {
	// Squawk is the transponder code as a 4-digit octal string
	Squawk string `json:"squawk,omitempty"`

	// GroundSpeed in knots
	GroundSpeed float64 `json:"gs"`

	// Heading is the ground track in degrees (0-360)
	Heading float64 `json:"heading"`

	// VerticalRate in feet per minute (positive = climbing)
	VerticalRate float64 `json:"vsi"`

	// OnGround reports whether the aircraft is on the surface
	OnGround bool `json:"on_ground"`

	// Timestamp of the sighting (UTC)
	Timestamp time.Time `json:"ts"`
}

// channelTakeoverAge is how stale a record's data must be before a
// different channel may take over feeding it. Prevents two providers
// reporting the same aircraft from flip-flopping every cycle.
const channelTakeoverAge = 30 * time.Second

// Record is the complete tracked state of one aircraft. All field access
// goes through methods holding the record's own mutex; the store's coarse
// lock only protects the map structure, never record contents.
type Record struct {
	key Key

	mu        sync.Mutex
	static    StaticData
	dynamic   DynamicData
	positions []geo.Position

	// channel is the name of the feed currently supplying this record.
	channel    string
	lastUpdate time.Time

	// lookupCall is the call sign the last master-data request was issued
	// for. A differing current call sign means the route lookup is stale.
	lookupCall string
}

// newRecord creates a record for the given key. Only the store creates
// records, under its write lock.
func newRecord(key Key) *Record {
	return &Record{
		key:       key,
		positions: make([]geo.Position, 0, PositionBufferSize),
	}
}

// Key returns the aircraft's identity. Immutable, no lock needed.
func (r *Record) Key() Key {
	return r.key
}

// Channel returns the feed currently supplying this record.
func (r *Record) Channel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

// Static returns a copy of the static facet.
func (r *Record) Static() StaticData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.static
}

// Dynamic returns a copy of the dynamic facet.
func (r *Record) Dynamic() DynamicData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dynamic
}

// Positions returns a copy of the buffered positions, oldest first.
func (r *Record) Positions() []geo.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]geo.Position, len(r.positions))
	copy(out, r.positions)
	return out
}

// LatestPosition returns the youngest buffered position.
// ok is false when no position has been received yet.
func (r *Record) LatestPosition() (pos geo.Position, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.positions) == 0 {
		return geo.Position{}, false
	}
	return r.positions[len(r.positions)-1], true
}

// MergeStatic merges master data into the record and reports whether
// anything changed. Known fields win over incoming ones; see
// StaticData.merge for the call-sign exception.
func (r *Record) MergeStatic(s StaticData) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.static.merge(&s)
}

// AddSighting applies one live sighting from the named channel: dynamic
// state plus, if the position passes the sanity check, a new position in
// the ring buffer. Sightings from a channel other than the current owner
// are dropped unless the record has gone stale, so the freshest feed keeps
// feeding. Returns false for a dropped sighting.
func (r *Record) AddSighting(channel string, dyn DynamicData, pos geo.Position) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if r.channel != "" && r.channel != channel &&
		now.Sub(r.lastUpdate) < channelTakeoverAge {
		return false
	}
	r.channel = channel
	r.lastUpdate = now

	if dyn.Timestamp.After(r.dynamic.Timestamp) {
		// Empty squawk means "no update", keep the old one
		if dyn.Squawk == "" {
			dyn.Squawk = r.dynamic.Squawk
		}
		r.dynamic = dyn
	}

	if pos.HasPosition() && pos.IsNormal() {
		r.insertPosition(pos)
	}
	return true
}

// insertPosition adds a position keeping the buffer ordered by timestamp
// and capped. Duplicate timestamps replace the earlier entry. Caller holds
// the record lock.
func (r *Record) insertPosition(pos geo.Position) {
	n := len(r.positions)
	i := sort.Search(n, func(i int) bool {
		return !r.positions[i].Timestamp.Before(pos.Timestamp)
	})
	if i < n && r.positions[i].Timestamp.Equal(pos.Timestamp) {
		r.positions[i] = pos
		return
	}
	r.positions = append(r.positions, geo.Position{})
	copy(r.positions[i+1:], r.positions[i:])
	r.positions[i] = pos
	if len(r.positions) > PositionBufferSize {
		r.positions = r.positions[len(r.positions)-PositionBufferSize:]
	}
}

// NeedsLookup reports whether a master-data request should be issued:
// either no master data was ever fetched, or the call sign changed since
// the last request (the route will be stale). call may be empty.
// When it returns true the given call sign is remembered, so repeated
// sightings do not flood the request queue.
func (r *Record) NeedsLookup(call string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	call = strings.TrimSpace(call)
	if !r.static.initialized {
		r.lookupCall = call
		return true
	}
	if call != "" && call != r.lookupCall {
		r.lookupCall = call
		return true
	}
	return false
}

// Outdated reports whether the record's youngest data is older than
// maxAge relative to now. Records with no position yet go by their last
// dynamic update instead, so a freshly created record survives the first
// sweep.
func (r *Record) Outdated(now time.Time, maxAge time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var youngest time.Time
	switch {
	case len(r.positions) > 0:
		youngest = r.positions[len(r.positions)-1].Timestamp
	case !r.dynamic.Timestamp.IsZero():
		youngest = r.dynamic.Timestamp
	default:
		youngest = r.lastUpdate
	}
	if youngest.IsZero() {
		return false
	}
	return now.Sub(youngest) > maxAge
}

package track

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the shared in-memory collection of tracked aircraft. Channels
// write sightings into it concurrently, master-data resolvers merge static
// data into it, and outbound consumers read snapshots from it.
//
// Locking is two-level: the store's RWMutex guards only the map structure
// (lookup, create, delete, cross-reference). Record contents are guarded by
// each record's own mutex. The coarse lock is never held while touching
// record fields, so a slow consumer cannot stall ingestion.
type Store struct {
	mu      sync.RWMutex
	records map[Key]*Record

	// crossRef maps an ICAO hex address to the FLARM/OGN key the same
	// airframe is already tracked under. Glider feeds report aircraft by
	// device id while transponder feeds report the same airframe by ICAO
	// address; without this mapping the fleet would show duplicates.
	crossRef map[string]Key
}

// NewStore creates an empty track store.
func NewStore() *Store {
	return &Store{
		records:  make(map[Key]*Record),
		crossRef: make(map[string]Key),
	}
}

// resolve applies the ICAO cross-reference to a key. Caller holds at least
// the read lock.
func (s *Store) resolve(key Key) Key {
	if key.Type == KeyICAO {
		if target, ok := s.crossRef[key.Value]; ok {
			return target
		}
	}
	return key
}

// Get returns the record for the key, if one exists. The cross-reference
// is applied first, so looking up an ICAO address may return a FLARM/OGN
// keyed record.
func (s *Store) Get(key Key) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[s.resolve(key)]
	return rec, ok
}

// GetOrCreate returns the record for the key, creating it on first access.
// created reports whether this call created it.
func (s *Store) GetOrCreate(key Key) (rec *Record, created bool) {
	// Fast path under the read lock
	s.mu.RLock()
	rec, ok := s.records[s.resolve(key)]
	s.mu.RUnlock()
	if ok {
		return rec, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key = s.resolve(key)
	if rec, ok = s.records[key]; ok {
		return rec, false
	}
	rec = newRecord(key)
	s.records[key] = rec
	return rec, true
}

// Link registers that the given ICAO address belongs to the airframe
// already tracked under target (a FLARM or OGN key). If a duplicate record
// exists under the ICAO key its data is folded into the target record and
// the duplicate is removed, so the fleet converges to one record per
// airframe regardless of which feed reported first.
func (s *Store) Link(icaoHex string, target Key) {
	icaoHex = strings.ToUpper(strings.TrimSpace(icaoHex))
	if icaoHex == "" || target.IsZero() || target.Type == KeyICAO {
		return
	}

	s.mu.Lock()
	s.crossRef[icaoHex] = target

	dupKey := NewKeyICAO(icaoHex)
	dup, haveDup := s.records[dupKey]
	if haveDup {
		delete(s.records, dupKey)
	}
	tgt, haveTgt := s.records[target]
	if haveDup && !haveTgt {
		tgt = newRecord(target)
		s.records[target] = tgt
	}
	s.mu.Unlock()

	if !haveDup {
		return
	}

	// Fold the duplicate's data into the target outside the coarse lock.
	// The duplicate is unreachable now, so reading it without contention
	// concerns is fine.
	tgt.MergeStatic(dup.Static())
	dyn := dup.Dynamic()
	for _, pos := range dup.Positions() {
		tgt.AddSighting(dup.Channel(), dyn, pos)
	}
}

// Count returns the number of tracked aircraft.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ForEach calls fn for every record in key order. Returning false stops
// the iteration. The coarse lock is released before fn runs, so fn may
// use any record method.
func (s *Store) ForEach(fn func(*Record) bool) {
	for _, rec := range s.sorted() {
		if !fn(rec) {
			return
		}
	}
}

// Snapshot returns all records in key order.
func (s *Store) Snapshot() []*Record {
	return s.sorted()
}

func (s *Store) sorted() []*Record {
	s.mu.RLock()
	recs := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Key().Less(recs[j].Key())
	})
	return recs
}

// Sweep removes records whose youngest data is older than maxAge and
// returns how many were removed. Run periodically by the maintenance
// cycle. Staleness is checked outside the coarse lock; deletion re-checks
// existence under the write lock.
func (s *Store) Sweep(now time.Time, maxAge time.Duration) int {
	var stale []Key
	for _, rec := range s.sorted() {
		if rec.Outdated(now, maxAge) {
			stale = append(stale, rec.Key())
		}
	}
	if len(stale) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range stale {
		if _, ok := s.records[key]; ok {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

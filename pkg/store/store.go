// Package store holds the authoritative set of live instruments and the
// location index built from it.
//
// Lock order is store then record: readers and per-instrument updates hold
// the store read lock while they lock a single record, and removal holds
// the store write lock. A removal is therefore never observed half done,
// and two updates to different instruments never serialize.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

type record struct {
	mu   sync.Mutex
	seq  uint64
	inst instrument.Instrument
}

// Store maps instrument ids to definitions and runtime counters.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	index   *Index
	seq     uint64

	now   func() time.Time
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the clock used for CreatedAt.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		s.newID = newID
	}
}

// New returns an empty store.
func New(options ...Option) *Store {
	s := &Store{
		records: make(map[string]*record),
		index:   NewIndex(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Put stores a normalized copy of def under a fresh id with status PENDING.
func (s *Store) Put(def instrument.Instrument) instrument.Instrument {
	return s.PutFunc(def, nil)
}

// PutFunc is Put, additionally running fn on the new instrument before it
// becomes visible to any reader or update. fn must not call back into the
// store.
func (s *Store) PutFunc(def instrument.Instrument, fn func(instrument.Instrument)) instrument.Instrument {
	inst := def.Normalized()
	inst.Status = instrument.StatusPending
	inst.CreatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		inst.ID = s.newID()
		if _, taken := s.records[inst.ID]; !taken {
			break
		}
	}
	if fn != nil {
		fn(inst.Clone())
	}
	s.seq++
	s.records[inst.ID] = &record{seq: s.seq, inst: inst}
	s.index.Add(inst.Location, inst.ID)
	return inst.Clone()
}

// Get returns the instrument with id.
func (s *Store) Get(id string) (instrument.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return instrument.Instrument{}, false
	}
	return rec.snapshot(), true
}

// GetMany returns every instrument in ids that exists, each once, in the
// order first requested.
func (s *Store) GetMany(ids []string) []instrument.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool, len(ids))
	out := make([]instrument.Instrument, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if rec, ok := s.records[id]; ok {
			out = append(out, rec.snapshot())
		}
	}
	return out
}

// All returns every stored instrument in insertion order.
func (s *Store) All() []instrument.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(s.allRecords())
}

// Lookup returns the instruments at loc in insertion order.
func (s *Store) Lookup(loc instrument.Location) []instrument.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.index.Lookup(loc)
	out := make([]instrument.Instrument, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec.snapshot())
		}
	}
	return out
}

// LookupIDs returns the ids at loc in insertion order.
func (s *Store) LookupIDs(loc instrument.Location) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Lookup(loc)
}

// Len returns the number of stored instruments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Update runs fn on the live record for id while holding that record's
// lock, and returns the result. Updates to one instrument are serialized;
// updates to different instruments are not. fn must not call back into
// the store.
func (s *Store) Update(id string, fn func(*instrument.Instrument)) (instrument.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return instrument.Instrument{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.inst)
	return rec.inst.Clone(), true
}

// IncrementHit adds one to the hit count of id and returns the new count.
func (s *Store) IncrementHit(id string) (int, bool) {
	inst, ok := s.Update(id, func(i *instrument.Instrument) {
		i.HitCount++
	})
	return inst.HitCount, ok
}

// MarkStatus moves id to status. Terminal states are never left; the
// return value reports whether the transition happened.
func (s *Store) MarkStatus(id string, status instrument.Status) bool {
	changed := false
	s.Update(id, func(i *instrument.Instrument) {
		if i.Status.Terminal() || i.Status == status {
			return
		}
		i.Status = status
		changed = true
	})
	return changed
}

// RemoveAll deletes every instrument matching pred, or every instrument
// when pred is nil, and returns them in insertion order with status
// REMOVED. The removal is a single step for concurrent readers.
func (s *Store) RemoveAll(pred func(instrument.Instrument) bool) []instrument.Instrument {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*record
	for _, rec := range s.records {
		if pred == nil || pred(rec.inst.Clone()) {
			matched = append(matched, rec)
		}
	}

	for _, rec := range matched {
		rec.mu.Lock()
		rec.inst.Status = instrument.StatusRemoved
		rec.mu.Unlock()

		delete(s.records, rec.inst.ID)
		s.index.Remove(rec.inst.Location, rec.inst.ID)
	}
	return s.sorted(matched)
}

func (s *Store) allRecords() []*record {
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	return recs
}

func (s *Store) sorted(recs []*record) []instrument.Instrument {
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]instrument.Instrument, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out
}

func (r *record) snapshot() instrument.Instrument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst.Clone()
}

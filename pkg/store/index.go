package store

import "github.com/chess-equality/sourceplusplus/pkg/instrument"

// Index maps source locations to the ids of the instruments targeting them,
// in insertion order. It is not safe for concurrent use; the Store guards it.
type Index struct {
	byLocation map[instrument.Location][]string
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{byLocation: make(map[instrument.Location][]string)}
}

// Add records id at loc.
func (x *Index) Add(loc instrument.Location, id string) {
	x.byLocation[loc] = append(x.byLocation[loc], id)
}

// Remove drops id from loc.
func (x *Index) Remove(loc instrument.Location, id string) {
	ids := x.byLocation[loc]
	for i, existing := range ids {
		if existing != id {
			continue
		}
		ids = append(ids[:i:i], ids[i+1:]...)
		break
	}
	if len(ids) == 0 {
		delete(x.byLocation, loc)
		return
	}
	x.byLocation[loc] = ids
}

// Lookup returns a copy of the ids at loc.
func (x *Index) Lookup(loc instrument.Location) []string {
	return append([]string(nil), x.byLocation[loc]...)
}

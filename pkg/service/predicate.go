package service

import "github.com/chess-equality/sourceplusplus/pkg/instrument"

// Predicate selects instruments for ClearLiveInstruments. A nil Predicate
// matches every instrument.
type Predicate func(instrument.Instrument) bool

// ByLocation matches instruments at loc.
func ByLocation(loc instrument.Location) Predicate {
	return func(i instrument.Instrument) bool {
		return i.Location == loc
	}
}

// BySource matches instruments anywhere in source.
func BySource(source string) Predicate {
	return func(i instrument.Instrument) bool {
		return i.Location.Source == source
	}
}

// ByType matches instruments of type t.
func ByType(t instrument.Type) Predicate {
	return func(i instrument.Instrument) bool {
		return i.Type == t
	}
}

// All returns a predicate matching instruments that satisfy every one of
// preds. Nil entries are skipped; with no predicates left it returns nil.
func All(preds ...Predicate) Predicate {
	var set []Predicate
	for _, p := range preds {
		if p != nil {
			set = append(set, p)
		}
	}
	if len(set) == 0 {
		return nil
	}
	return func(i instrument.Instrument) bool {
		for _, p := range set {
			if !p(i) {
				return false
			}
		}
		return true
	}
}

// Package property holds the read-only entity copies the engine renders.
package property

import (
	"github.com/paulmach/orb"
)

// Entity is a geo-tagged property as returned by the store or the live directory.
// The engine never mutates an Entity; a query result replaces the whole set.
type Entity struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	IsRated bool    `json:"is_rated"`
	// Source names where the copy came from ("store", "places"). Empty for store rows.
	Source string `json:"source,omitempty"`
}

// Point returns the entity position in orb's lng/lat order.
func (e Entity) Point() orb.Point { return orb.Point{e.Lng, e.Lat} }

// Set is an ordered entity collection. Order is significant: dedup keeps the first.
type Set []Entity

// Clone returns a copy that callers may keep after the owner replaces its set.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	copy(out, s)
	return out
}

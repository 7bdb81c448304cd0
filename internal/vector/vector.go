// Package vector defines the index contract the pipeline writes to and the
// query engine searches. Backends are substitutable; the Milvus client in
// the subpackage is the production implementation.
package vector

import (
	"errors"
	"time"
)

var (
	// ErrIndexUnavailable marks transient backend failures worth retrying.
	ErrIndexUnavailable = errors.New("vector index unavailable")
	// ErrInvalidFilter marks a filter expression the backend rejected.
	ErrInvalidFilter = errors.New("invalid search filter")
)

// Metadata carries the filterable fields stored alongside each vector.
type Metadata struct {
	SourceID     string  `json:"source_id"`
	NaturalKey   string  `json:"natural_key"`
	City         string  `json:"city"`
	PropertyType string  `json:"property_type"`
	Price        float64 `json:"price"`
	Bedrooms     int     `json:"bedrooms"`
	Text         string  `json:"-"`
	UpdatedAt    time.Time
}

// Entry is one indexed document. The index holds at most one entry per
// DocumentID; writing again replaces the previous vector and metadata.
type Entry struct {
	DocumentID string
	Vector     []float32
	Metadata   Metadata
}

// Filters are hard predicates: an entry failing any of them must never be
// returned, whatever its similarity. Zero values mean "no constraint".
type Filters struct {
	City         string  `json:"city,omitempty"`
	MaxPrice     float64 `json:"max_price,omitempty"`
	MinBedrooms  int     `json:"min_bedrooms,omitempty"`
	PropertyType string  `json:"property_type,omitempty"`
}

// Empty reports whether no constraint is set.
func (f Filters) Empty() bool {
	return f.City == "" && f.MaxPrice == 0 && f.MinBedrooms == 0 && f.PropertyType == ""
}

// Match applies the predicates to a metadata row. Backends push the same
// predicates into their own query language; Match is the reference
// semantics and the enforcement used by in-process fakes.
func (f Filters) Match(m Metadata) bool {
	if f.City != "" && m.City != f.City {
		return false
	}
	if f.MaxPrice > 0 && m.Price > f.MaxPrice {
		return false
	}
	if f.MinBedrooms > 0 && m.Bedrooms < f.MinBedrooms {
		return false
	}
	if f.PropertyType != "" && m.PropertyType != f.PropertyType {
		return false
	}
	return true
}

// SearchResult is one ranked hit. Score comes straight from the backend
// and is never recomputed downstream.
type SearchResult struct {
	DocumentID string
	Score      float32
	Metadata   Metadata
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package trip

import "time"

// ItemKind tags a buffered record.
type ItemKind string

const (
	ItemSample     ItemKind = "sample"
	ItemBoundary   ItemKind = "boundary"
	ItemTransition ItemKind = "transition"
)

// Item is one record in the event buffer. Exactly one of Sample, Boundary
// or Transition is set, matching Kind. Seq is assigned by the buffer and
// defines capture order.
type Item struct {
	Seq        uint64      `json:"seq" cbor:"seq"`
	Kind       ItemKind    `json:"kind" cbor:"kind"`
	TripID     string      `json:"trip_id,omitempty" cbor:"trip_id,omitempty"`
	Sample     *Sample     `json:"sample,omitempty" cbor:"sample,omitempty"`
	Boundary   *Boundary   `json:"boundary,omitempty" cbor:"boundary,omitempty"`
	Transition *Transition `json:"transition,omitempty" cbor:"transition,omitempty"`
}

func SampleItem(tripID string, s Sample) Item {
	return Item{Kind: ItemSample, TripID: tripID, Sample: &s}
}

func BoundaryItem(b Boundary) Item {
	return Item{Kind: ItemBoundary, TripID: b.TripID, Boundary: &b}
}

func TransitionItem(tripID string, t Transition) Item {
	return Item{Kind: ItemTransition, TripID: tripID, Transition: &t}
}

// Timestamp returns the capture time of the wrapped record.
func (i Item) Timestamp() time.Time {
	switch {
	case i.Sample != nil:
		return i.Sample.Timestamp
	case i.Boundary != nil:
		return i.Boundary.Timestamp
	case i.Transition != nil:
		return i.Transition.Timestamp
	default:
		return time.Time{}
	}
}

// Valid reports whether the payload pointer matches Kind.
func (i Item) Valid() bool {
	switch i.Kind {
	case ItemSample:
		return i.Sample != nil && i.Boundary == nil && i.Transition == nil
	case ItemBoundary:
		return i.Boundary != nil && i.Sample == nil && i.Transition == nil
	case ItemTransition:
		return i.Transition != nil && i.Sample == nil && i.Boundary == nil
	default:
		return false
	}
}

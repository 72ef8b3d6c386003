// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package trip

import (
	"errors"
	"fmt"
)

var (
	ErrOverlappingTrips = errors.New("overlapping trips")
	ErrOrphanBoundary   = errors.New("boundary without matching start")
	ErrOrphanSample     = errors.New("sample outside of an open trip")
)

// Partition rebuilds trips from items in capture order. It is what a
// receiver does with a stream of batches, and it enforces that boundary
// events bracket their samples and that no two trips are open at once.
// A trailing open trip is returned with End == nil.
func Partition(items []Item) ([]Trip, error) {
	var (
		trips []Trip
		open  *Trip
	)
	for _, it := range items {
		switch it.Kind {
		case ItemBoundary:
			b := *it.Boundary
			switch b.Kind {
			case BoundaryStart:
				if open != nil {
					return nil, fmt.Errorf("%w: start of %s while %s open", ErrOverlappingTrips, b.TripID, open.ID)
				}
				trips = append(trips, Trip{ID: b.TripID, Start: b})
				open = &trips[len(trips)-1]
			case BoundaryEnd:
				if open == nil || open.ID != b.TripID {
					return nil, fmt.Errorf("%w: end of %s", ErrOrphanBoundary, b.TripID)
				}
				open.End = &b
				open = nil
			}
		case ItemSample:
			if open == nil || open.ID != it.TripID {
				return nil, fmt.Errorf("%w: seq=%d trip=%s", ErrOrphanSample, it.Seq, it.TripID)
			}
			open.Samples = append(open.Samples, *it.Sample)
		}
	}
	return trips, nil
}

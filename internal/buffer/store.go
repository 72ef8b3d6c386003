// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package buffer implements the durable, append-only staging area that holds
// captured samples, trip boundaries and transitions until the sync engine
// confirms delivery.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ManuGH/tripsync/internal/trip"
)

var (
	// ErrBufferCorruption means the durable store could not be read. The
	// instance is unusable; capture must halt until it is repaired.
	ErrBufferCorruption = errors.New("buffer corruption")

	// ErrInvalidItem is returned by Append for items whose payload does not match Kind.
	ErrInvalidItem = errors.New("invalid buffer item")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("buffer closed")
)

// Status of a buffered item.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusInFlight Status = "IN_FLIGHT"
)

// Stats summarizes buffer occupancy.
type Stats struct {
	PendingItems       int
	InFlightItems      int
	QuarantinedItems   int
	QuarantinedBatches int
}

// DeadLetter is a quarantined batch. Items are moved, never deleted.
type DeadLetter struct {
	BatchID       string      `json:"batch_id"`
	Reason        string      `json:"reason"`
	QuarantinedAt time.Time   `json:"quarantined_at"`
	Items         []trip.Item `json:"items"`
}

// Store is the event buffer contract. Every method is individually atomic.
type Store interface {
	// Append persists items in order and assigns their Seq.
	Append(ctx context.Context, items ...trip.Item) error
	// AppendTransition persists items and replaces the tracker checkpoint in
	// one transaction.
	AppendTransition(ctx context.Context, cp trip.Checkpoint, items ...trip.Item) error
	// Drain marks up to limit PENDING items IN_FLIGHT under batchID and
	// returns them in capture order. Items stay stored until Ack.
	Drain(ctx context.Context, batchID string, limit int) ([]trip.Item, error)
	// Ack removes the batch's items.
	Ack(ctx context.Context, batchID string) error
	// Requeue returns the batch's items to PENDING, keeping their Seq, and
	// increments their failed-cycle counter. It returns the highest counter
	// among the items.
	Requeue(ctx context.Context, batchID string) (int, error)
	// Quarantine moves the batch's items to the dead-letter area.
	Quarantine(ctx context.Context, batchID, reason string) error
	// RecoverInFlight returns every IN_FLIGHT item to PENDING. Called at
	// open so batches interrupted by a restart are re-sent.
	RecoverInFlight(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	// Checkpoint returns the last tracker checkpoint; ok is false if none
	// was ever written.
	Checkpoint(ctx context.Context) (cp trip.Checkpoint, ok bool, err error)
	Close() error
}

// Backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Open opens the named backend under dir and recovers IN_FLIGHT items.
func Open(ctx context.Context, backend, dir string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch backend {
	case BackendSQLite, "":
		s, err = OpenSQLite(ctx, filepath.Join(dir, "buffer.sqlite"))
	case BackendBadger:
		s, err = OpenBadger(filepath.Join(dir, "buffer.badger"))
	case BackendMemory:
		s = NewMemory()
	default:
		return nil, fmt.Errorf("unknown buffer backend %q", backend)
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.RecoverInFlight(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// record is the stored form of an item.
type record struct {
	Status       Status    `json:"status"`
	BatchID      string    `json:"batch_id,omitempty"`
	FailedCycles int       `json:"failed_cycles,omitempty"`
	Item         trip.Item `json:"item"`
}

type deadRecord struct {
	BatchID       string    `json:"batch_id"`
	Reason        string    `json:"reason"`
	QuarantinedAt time.Time `json:"quarantined_at"`
	Item          trip.Item `json:"item"`
}

func validate(items []trip.Item) error {
	for i, it := range items {
		if !it.Valid() {
			return fmt.Errorf("%w: index %d kind %q", ErrInvalidItem, i, it.Kind)
		}
	}
	return nil
}

func corrupt(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBufferCorruption, op, err)
}

// groupDeadLetters folds per-item dead records into batches, ordered by
// the first item's Seq.
func groupDeadLetters(recs []deadRecord) []DeadLetter {
	var out []DeadLetter
	index := make(map[string]int)
	for _, r := range recs {
		i, ok := index[r.BatchID]
		if !ok {
			i = len(out)
			index[r.BatchID] = i
			out = append(out, DeadLetter{BatchID: r.BatchID, Reason: r.Reason, QuarantinedAt: r.QuarantinedAt})
		}
		out[i].Items = append(out[i].Items, r.Item)
	}
	return out
}

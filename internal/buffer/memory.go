// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package buffer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ManuGH/tripsync/internal/trip"
)

// Memory is a non-durable Store for tests and the "memory" backend.
type Memory struct {
	mu      sync.Mutex
	nextSeq uint64
	records []record // ordered by Seq
	dead    []deadRecord
	cp      *trip.Checkpoint
	closed  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{nextSeq: 1}
}

func (m *Memory) Append(ctx context.Context, items ...trip.Item) error {
	return m.append(nil, items)
}

func (m *Memory) AppendTransition(ctx context.Context, cp trip.Checkpoint, items ...trip.Item) error {
	return m.append(&cp, items)
}

func (m *Memory) append(cp *trip.Checkpoint, items []trip.Item) error {
	if err := validate(items); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, it := range items {
		it.Seq = m.nextSeq
		m.nextSeq++
		m.records = append(m.records, record{Status: StatusPending, Item: it})
	}
	if cp != nil {
		c := *cp
		m.cp = &c
	}
	return nil
}

func (m *Memory) Drain(ctx context.Context, batchID string, limit int) ([]trip.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []trip.Item
	for i := range m.records {
		if len(out) >= limit {
			break
		}
		if m.records[i].Status != StatusPending {
			continue
		}
		m.records[i].Status = StatusInFlight
		m.records[i].BatchID = batchID
		out = append(out, m.records[i].Item)
	}
	return out, nil
}

func (m *Memory) Ack(ctx context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = slices.DeleteFunc(m.records, func(r record) bool {
		return r.Status == StatusInFlight && r.BatchID == batchID
	})
	return nil
}

func (m *Memory) Requeue(ctx context.Context, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	highest := 0
	for i := range m.records {
		r := &m.records[i]
		if r.Status != StatusInFlight || r.BatchID != batchID {
			continue
		}
		r.Status = StatusPending
		r.BatchID = ""
		r.FailedCycles++
		highest = max(highest, r.FailedCycles)
	}
	return highest, nil
}

func (m *Memory) Quarantine(ctx context.Context, batchID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := time.Now().UTC()
	m.records = slices.DeleteFunc(m.records, func(r record) bool {
		if r.Status != StatusInFlight || r.BatchID != batchID {
			return false
		}
		m.dead = append(m.dead, deadRecord{BatchID: batchID, Reason: reason, QuarantinedAt: now, Item: r.Item})
		return true
	})
	return nil
}

func (m *Memory) RecoverInFlight(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for i := range m.records {
		if m.records[i].Status == StatusInFlight {
			m.records[i].Status = StatusPending
			m.records[i].BatchID = ""
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Stats{}, ErrClosed
	}
	var st Stats
	for _, r := range m.records {
		switch r.Status {
		case StatusPending:
			st.PendingItems++
		case StatusInFlight:
			st.InFlightItems++
		}
	}
	st.QuarantinedItems = len(m.dead)
	st.QuarantinedBatches = len(groupDeadLetters(m.dead))
	return st, nil
}

func (m *Memory) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return groupDeadLetters(m.dead), nil
}

func (m *Memory) Checkpoint(ctx context.Context) (trip.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return trip.Checkpoint{}, false, nil
	}
	return *m.cp, true, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package buffer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/tripsync/internal/trip"
	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	m/seq              last assigned Seq (8 bytes BE)
//	i/<seq>            record
//	b/<batch>/<seq>    batch membership index for IN_FLIGHT items
//	d/<seq>            deadRecord
//	c                  checkpoint
var (
	keySeq        = []byte("m/seq")
	keyCheckpoint = []byte("c")
	prefixItem    = []byte("i/")
	prefixBatch   = []byte("b/")
	prefixDead    = []byte("d/")
)

// Badger is a Store backed by an embedded badger database with synchronous
// writes.
type Badger struct {
	db *badger.DB
	// mu serializes writers so Seq assignment and batch marking never
	// conflict; badger would otherwise abort one of two racing txns.
	mu sync.Mutex
}

// OpenBadger opens (or creates) the badger buffer at dir.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil).WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, corrupt("open badger", err)
	}
	return &Badger{db: db}, nil
}

func seqBytes(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func itemKey(seq uint64) []byte {
	return append(bytes.Clone(prefixItem), seqBytes(seq)...)
}

func deadKey(seq uint64) []byte {
	return append(bytes.Clone(prefixDead), seqBytes(seq)...)
}

func batchPrefix(batchID string) []byte {
	k := append(bytes.Clone(prefixBatch), batchID...)
	return append(k, '/')
}

func batchKey(batchID string, seq uint64) []byte {
	return append(batchPrefix(batchID), seqBytes(seq)...)
}

func (b *Badger) Append(ctx context.Context, items ...trip.Item) error {
	return b.append(nil, items)
}

func (b *Badger) AppendTransition(ctx context.Context, cp trip.Checkpoint, items ...trip.Item) error {
	return b.append(&cp, items)
}

func (b *Badger) append(cp *trip.Checkpoint, items []trip.Item) error {
	if err := validate(items); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		last, err := readSeq(txn)
		if err != nil {
			return err
		}
		for _, it := range items {
			last++
			it.Seq = last
			val, err := json.Marshal(record{Status: StatusPending, Item: it})
			if err != nil {
				return fmt.Errorf("encode item: %w", err)
			}
			if err := txn.Set(itemKey(last), val); err != nil {
				return err
			}
		}
		if err := txn.Set(keySeq, seqBytes(last)); err != nil {
			return err
		}
		if cp != nil {
			val, err := json.Marshal(cp)
			if err != nil {
				return fmt.Errorf("encode checkpoint: %w", err)
			}
			return txn.Set(keyCheckpoint, val)
		}
		return nil
	})
}

func readSeq(txn *badger.Txn) (uint64, error) {
	it, err := txn.Get(keySeq)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last uint64
	err = it.Value(func(v []byte) error {
		if len(v) != 8 {
			return corrupt("read seq", fmt.Errorf("bad length %d", len(v)))
		}
		last = binary.BigEndian.Uint64(v)
		return nil
	})
	return last, err
}

func (b *Badger) Drain(ctx context.Context, batchID string, limit int) ([]trip.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []trip.Item
	err := b.db.Update(func(txn *badger.Txn) error {
		var picked []record
		err := scanRecords(txn, prefixItem, func(_ []byte, r record) bool {
			if r.Status == StatusPending {
				picked = append(picked, r)
			}
			return len(picked) < limit
		})
		if err != nil {
			return err
		}
		for _, r := range picked {
			r.Status = StatusInFlight
			r.BatchID = batchID
			if err := putRecord(txn, r); err != nil {
				return err
			}
			if err := txn.Set(batchKey(batchID, r.Item.Seq), []byte{}); err != nil {
				return err
			}
			out = append(out, r.Item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Badger) Ack(ctx context.Context, batchID string) error {
	return b.updateBatch(batchID, func(txn *badger.Txn, r record) error {
		return txn.Delete(itemKey(r.Item.Seq))
	})
}

func (b *Badger) Requeue(ctx context.Context, batchID string) (int, error) {
	highest := 0
	err := b.updateBatch(batchID, func(txn *badger.Txn, r record) error {
		r.Status = StatusPending
		r.BatchID = ""
		r.FailedCycles++
		highest = max(highest, r.FailedCycles)
		return putRecord(txn, r)
	})
	return highest, err
}

func (b *Badger) Quarantine(ctx context.Context, batchID, reason string) error {
	now := time.Now().UTC()
	return b.updateBatch(batchID, func(txn *badger.Txn, r record) error {
		val, err := json.Marshal(deadRecord{BatchID: batchID, Reason: reason, QuarantinedAt: now, Item: r.Item})
		if err != nil {
			return err
		}
		if err := txn.Set(deadKey(r.Item.Seq), val); err != nil {
			return err
		}
		return txn.Delete(itemKey(r.Item.Seq))
	})
}

// updateBatch applies fn to every IN_FLIGHT record of batchID and drops the
// batch index entries, all in one transaction.
func (b *Badger) updateBatch(batchID string, fn func(*badger.Txn, record) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		prefix := batchPrefix(batchID)
		var keys [][]byte
		iter := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: prefix})
		for iter.Rewind(); iter.Valid(); iter.Next() {
			keys = append(keys, iter.Item().KeyCopy(nil))
		}
		iter.Close()

		for _, k := range keys {
			seq := binary.BigEndian.Uint64(k[len(prefix):])
			r, err := getRecord(txn, seq)
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Already acked or moved; the index entry is stale.
				if err := txn.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if r.Status == StatusInFlight && r.BatchID == batchID {
				if err := fn(txn, r); err != nil {
					return err
				}
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) RecoverInFlight(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		var inflight []record
		if err := scanRecords(txn, prefixItem, func(_ []byte, r record) bool {
			if r.Status == StatusInFlight {
				inflight = append(inflight, r)
			}
			return true
		}); err != nil {
			return err
		}
		for _, r := range inflight {
			if err := txn.Delete(batchKey(r.BatchID, r.Item.Seq)); err != nil {
				return err
			}
			r.Status = StatusPending
			r.BatchID = ""
			if err := putRecord(txn, r); err != nil {
				return err
			}
		}
		n = len(inflight)
		return nil
	})
	return n, err
}

func (b *Badger) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := b.db.View(func(txn *badger.Txn) error {
		if err := scanRecords(txn, prefixItem, func(_ []byte, r record) bool {
			switch r.Status {
			case StatusPending:
				st.PendingItems++
			case StatusInFlight:
				st.InFlightItems++
			}
			return true
		}); err != nil {
			return err
		}
		dead, err := scanDead(txn)
		if err != nil {
			return err
		}
		st.QuarantinedItems = len(dead)
		st.QuarantinedBatches = len(groupDeadLetters(dead))
		return nil
	})
	return st, err
}

func (b *Badger) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var dead []deadRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		dead, err = scanDead(txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return groupDeadLetters(dead), nil
}

func (b *Badger) Checkpoint(ctx context.Context) (trip.Checkpoint, bool, error) {
	var (
		cp trip.Checkpoint
		ok bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyCheckpoint)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return item.Value(func(v []byte) error {
			if err := json.Unmarshal(v, &cp); err != nil {
				return corrupt("decode checkpoint", err)
			}
			return nil
		})
	})
	return cp, ok, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func getRecord(txn *badger.Txn, seq uint64) (record, error) {
	var r record
	item, err := txn.Get(itemKey(seq))
	if err != nil {
		return r, err
	}
	err = item.Value(func(v []byte) error {
		if err := json.Unmarshal(v, &r); err != nil {
			return corrupt(fmt.Sprintf("decode item %d", seq), err)
		}
		return nil
	})
	r.Item.Seq = seq
	return r, err
}

func putRecord(txn *badger.Txn, r record) error {
	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	return txn.Set(itemKey(r.Item.Seq), val)
}

// scanRecords walks records in Seq order until fn returns false.
func scanRecords(txn *badger.Txn, prefix []byte, fn func(key []byte, r record) bool) error {
	iter := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		item := iter.Item()
		var r record
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
			return corrupt("decode item", err)
		}
		r.Item.Seq = binary.BigEndian.Uint64(item.Key()[len(prefix):])
		if !fn(item.Key(), r) {
			return nil
		}
	}
	return nil
}

func scanDead(txn *badger.Txn) ([]deadRecord, error) {
	iter := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefixDead})
	defer iter.Close()

	var out []deadRecord
	for iter.Rewind(); iter.Valid(); iter.Next() {
		item := iter.Item()
		var r deadRecord
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
			return nil, corrupt("decode dead letter", err)
		}
		r.Item.Seq = binary.BigEndian.Uint64(item.Key()[len(prefixDead):])
		out = append(out, r)
	}
	return out, nil
}

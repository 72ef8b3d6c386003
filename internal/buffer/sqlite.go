// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/tripsync/internal/persistence/sqlite"
	"github.com/ManuGH/tripsync/internal/trip"
)

var sqliteMigrations = []string{
	`CREATE TABLE items (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		kind          TEXT    NOT NULL,
		trip_id       TEXT    NOT NULL DEFAULT '',
		body          BLOB    NOT NULL,
		status        TEXT    NOT NULL DEFAULT 'PENDING',
		batch_id      TEXT,
		failed_cycles INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	);
	CREATE INDEX idx_items_status_seq ON items(status, seq);
	CREATE INDEX idx_items_batch ON items(batch_id);
	CREATE TABLE dead_letters (
		seq            INTEGER PRIMARY KEY,
		batch_id       TEXT    NOT NULL,
		reason         TEXT    NOT NULL,
		body           BLOB    NOT NULL,
		quarantined_at INTEGER NOT NULL
	);
	CREATE TABLE checkpoint (
		id   INTEGER PRIMARY KEY CHECK (id = 1),
		body BLOB NOT NULL
	);`,
}

// SQLite is the default durable Store. Commits use synchronous=FULL so an
// acknowledged append survives a crash.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the buffer database at path. Any failure to
// read an existing file is reported as ErrBufferCorruption.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("buffer: create dir: %w", err)
	}
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, corrupt("open", err)
	}
	issues, err := sqlite.VerifyIntegrity(ctx, db, "quick")
	if err != nil {
		_ = db.Close()
		return nil, corrupt("verify", err)
	}
	if len(issues) > 0 {
		_ = db.Close()
		return nil, corrupt("verify", fmt.Errorf("%v", issues))
	}
	if err := sqlite.Migrate(ctx, db, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, corrupt("migrate", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Append(ctx context.Context, items ...trip.Item) error {
	return s.append(ctx, nil, items)
}

func (s *SQLite) AppendTransition(ctx context.Context, cp trip.Checkpoint, items ...trip.Item) error {
	return s.append(ctx, &cp, items)
}

func (s *SQLite) append(ctx context.Context, cp *trip.Checkpoint, items []trip.Item) error {
	if err := validate(items); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO items (kind, trip_id, body, created_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, it := range items {
			it.Seq = 0
			body, err := json.Marshal(it)
			if err != nil {
				return fmt.Errorf("encode item: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, string(it.Kind), it.TripID, body, now); err != nil {
				return err
			}
		}

		if cp != nil {
			body, err := json.Marshal(cp)
			if err != nil {
				return fmt.Errorf("encode checkpoint: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO checkpoint (id, body) VALUES (1, ?)
				 ON CONFLICT(id) DO UPDATE SET body = excluded.body`, body); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) Drain(ctx context.Context, batchID string, limit int) ([]trip.Item, error) {
	var out []trip.Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET status = 'IN_FLIGHT', batch_id = ?
			 WHERE seq IN (SELECT seq FROM items WHERE status = 'PENDING' ORDER BY seq LIMIT ?)`,
			batchID, limit); err != nil {
			return err
		}
		var err error
		out, err = scanItems(ctx, tx,
			`SELECT seq, body FROM items WHERE status = 'IN_FLIGHT' AND batch_id = ? ORDER BY seq`, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) Ack(ctx context.Context, batchID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM items WHERE status = 'IN_FLIGHT' AND batch_id = ?`, batchID)
		return err
	})
}

func (s *SQLite) Requeue(ctx context.Context, batchID string) (int, error) {
	var highest int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET failed_cycles = failed_cycles + 1 WHERE status = 'IN_FLIGHT' AND batch_id = ?`,
			batchID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(failed_cycles), 0) FROM items WHERE status = 'IN_FLIGHT' AND batch_id = ?`,
			batchID).Scan(&highest); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE items SET status = 'PENDING', batch_id = NULL WHERE status = 'IN_FLIGHT' AND batch_id = ?`,
			batchID)
		return err
	})
	return highest, err
}

func (s *SQLite) Quarantine(ctx context.Context, batchID, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letters (seq, batch_id, reason, body, quarantined_at)
			 SELECT seq, batch_id, ?, body, ? FROM items WHERE status = 'IN_FLIGHT' AND batch_id = ?`,
			reason, time.Now().UnixMilli(), batchID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM items WHERE status = 'IN_FLIGHT' AND batch_id = ?`, batchID)
		return err
	})
}

func (s *SQLite) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET status = 'PENDING', batch_id = NULL WHERE status = 'IN_FLIGHT'`)
	if err != nil {
		return 0, fmt.Errorf("buffer: recover in-flight: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM items GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("buffer: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("buffer: stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			st.PendingItems = n
		case StatusInFlight:
			st.InFlightItems = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("buffer: stats: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT batch_id) FROM dead_letters`).Scan(&st.QuarantinedItems, &st.QuarantinedBatches)
	if err != nil {
		return st, fmt.Errorf("buffer: stats: %w", err)
	}
	return st, nil
}

func (s *SQLite) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, batch_id, reason, body, quarantined_at FROM dead_letters ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("buffer: dead letters: %w", err)
	}
	defer rows.Close()

	var recs []deadRecord
	for rows.Next() {
		var (
			seq  uint64
			r    deadRecord
			body []byte
			at   int64
		)
		if err := rows.Scan(&seq, &r.BatchID, &r.Reason, &body, &at); err != nil {
			return nil, fmt.Errorf("buffer: dead letters: %w", err)
		}
		if err := json.Unmarshal(body, &r.Item); err != nil {
			return nil, corrupt("decode dead letter", err)
		}
		r.Item.Seq = seq
		r.QuarantinedAt = time.UnixMilli(at).UTC()
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("buffer: dead letters: %w", err)
	}
	return groupDeadLetters(recs), nil
}

func (s *SQLite) Checkpoint(ctx context.Context) (trip.Checkpoint, bool, error) {
	var (
		cp   trip.Checkpoint
		body []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT body FROM checkpoint WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, fmt.Errorf("buffer: read checkpoint: %w", err)
	}
	if err := json.Unmarshal(body, &cp); err != nil {
		return cp, false, corrupt("decode checkpoint", err)
	}
	return cp, true, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("buffer: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrBufferCorruption) {
			return err
		}
		return fmt.Errorf("buffer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("buffer: commit: %w", err)
	}
	return nil
}

func scanItems(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]trip.Item, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trip.Item
	for rows.Next() {
		var (
			seq  uint64
			body []byte
			it   trip.Item
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &it); err != nil {
			return nil, corrupt(fmt.Sprintf("decode item %d", seq), err)
		}
		it.Seq = seq
		out = append(out, it)
	}
	return out, rows.Err()
}

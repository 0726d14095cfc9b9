// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ngnhng/sahale/api"
)

var _ Log = (*SQLite)(nil)

const sqliteConflictPrefix = "sahale_log_conflict:"

// SQLite stores the log in a single table. The insert trigger rejects any
// sequence that is not exactly head+1 for its run, so the conditional
// append is enforced by the database itself.
type SQLite struct {
	db    *sql.DB
	owned bool

	qCreateTable   string
	qCreateTrigger string
	qInsert        string
	qReadFrom      string
	qReadAt        string
	qRuns          string
}

type SQLiteOption func(*SQLite)

func SQLiteTableName(table string) SQLiteOption {
	return func(s *SQLite) {
		s.qCreateTable = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id          TEXT    NOT NULL,
			seq             INTEGER NOT NULL,
			kind            TEXT    NOT NULL,
			payload         BLOB,
			idempotency_key TEXT    NOT NULL,
			recorded_at     INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`, table)

		s.qCreateTrigger = fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %s_check_seq
		BEFORE INSERT ON %s
		FOR EACH ROW
		BEGIN
			SELECT RAISE(ABORT, '%s' || (SELECT COALESCE(MAX(seq), 0) FROM %s WHERE run_id = NEW.run_id))
			WHERE NEW.seq != (
				SELECT COALESCE(MAX(seq), 0) + 1 FROM %s WHERE run_id = NEW.run_id
			);
		END;`, table, table, sqliteConflictPrefix, table, table)

		s.qInsert = fmt.Sprintf(
			"INSERT INTO %s (run_id, seq, kind, payload, idempotency_key, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
			table,
		)
		s.qReadFrom = fmt.Sprintf(
			"SELECT seq, kind, payload, idempotency_key, recorded_at FROM %s WHERE run_id = ? AND seq >= ? ORDER BY seq ASC",
			table,
		)
		s.qReadAt = fmt.Sprintf(
			"SELECT seq, kind, payload, idempotency_key, recorded_at FROM %s WHERE run_id = ? AND seq = ?",
			table,
		)
		s.qRuns = fmt.Sprintf("SELECT DISTINCT run_id FROM %s ORDER BY run_id", table)
	}
}

// OpenSQLite opens (or creates) the database file at path. SQLite has a
// single writer, so the pool is limited to one connection.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=FULL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	s, err := NewSQLite(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLite uses an existing handle and creates the schema if needed.
func NewSQLite(db *sql.DB, opts ...SQLiteOption) (*SQLite, error) {
	s := &SQLite{db: db}
	SQLiteTableName("sahale_history")(s)
	for _, o := range opts {
		o(s)
	}

	if _, err := db.Exec(s.qCreateTable); err != nil {
		return nil, fmt.Errorf("new sqlite log: create table: %w", err)
	}
	if _, err := db.Exec(s.qCreateTrigger); err != nil {
		return nil, fmt.Errorf("new sqlite log: create trigger: %w", err)
	}
	return s, nil
}

func (s *SQLite) Append(ctx context.Context, entry api.Entry) (uint64, error) {
	if err := validate(entry); err != nil {
		return 0, err
	}

	_, err := s.db.ExecContext(ctx, s.qInsert,
		entry.RunID,
		int64(entry.Seq),
		string(entry.Kind),
		entry.Payload,
		entry.IdempotencyKey,
		entry.RecordedAt.UnixNano(),
	)
	if err == nil {
		return entry.Seq, nil
	}

	head, isConflict := parseSQLiteConflict(err)
	if !isConflict {
		return 0, fmt.Errorf("append: %w", err)
	}
	if entry.Seq > head {
		return 0, conflict(entry, head)
	}

	existing, err := s.readAt(ctx, entry.RunID, entry.Seq)
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	return settle(entry, existing, head)
}

func (s *SQLite) readAt(ctx context.Context, runID string, seq uint64) (api.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.qReadAt, runID, int64(seq))
	e, err := scanEntry(runID, row)
	if err != nil {
		return api.Entry{}, fmt.Errorf("read seq %d: %w", seq, err)
	}
	return e, nil
}

func (s *SQLite) ReadFrom(ctx context.Context, runID string, from uint64) ([]api.Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.qReadFrom, runID, int64(from))
	if err != nil {
		return nil, fmt.Errorf("read: query: %w", err)
	}
	defer rows.Close()

	var entries []api.Entry
	for rows.Next() {
		e, err := scanEntry(runID, rows)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read: rows: %w", err)
	}
	return entries, nil
}

func (s *SQLite) Runs(ctx context.Context) ([]string, error) {
	return queryRunIDs(ctx, s.db, s.qRuns)
}

func (s *SQLite) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// parseSQLiteConflict extracts the head reported by the insert trigger.
func parseSQLiteConflict(err error) (uint64, bool) {
	msg := err.Error()
	if idx := strings.Index(msg, sqliteConflictPrefix); idx >= 0 {
		rest := msg[idx+len(sqliteConflictPrefix):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		head, perr := strconv.ParseUint(rest[:end], 10, 64)
		if perr != nil {
			return 0, false
		}
		return head, true
	}
	return 0, false
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(runID string, row scanner) (api.Entry, error) {
	var (
		seq        int64
		kind       string
		payload    []byte
		key        string
		recordedAt int64
	)
	if err := row.Scan(&seq, &kind, &payload, &key, &recordedAt); err != nil {
		return api.Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	return api.Entry{
		RunID:          runID,
		Seq:            uint64(seq),
		Kind:           api.EntryKind(kind),
		Payload:        payload,
		IdempotencyKey: key,
		RecordedAt:     time.Unix(0, recordedAt).UTC(),
	}, nil
}

func queryRunIDs(ctx context.Context, db *sql.DB, q string) ([]string, error) {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("runs: query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("runs: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runs: rows: %w", err)
	}
	return ids, nil
}

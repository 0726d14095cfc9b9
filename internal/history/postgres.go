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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ngnhng/sahale/api"
)

var _ Log = (*Postgres)(nil)

const postgresConflictPrefix = "sahale_log_conflict:"

// Postgres stores the log in one table guarded by a PL/pgSQL trigger. The
// trigger takes a transaction-scoped advisory lock on the run id before
// comparing against the head, so even the first insert of a run cannot
// race.
type Postgres struct {
	db    *sql.DB
	owned bool

	qCreateTable    string
	qCreateFunction string
	qCreateTrigger  string
	qInsert         string
	qReadFrom       string
	qReadAt         string
	qRuns           string
}

type PostgresOption func(*Postgres)

func PostgresTableName(table string) PostgresOption {
	return func(p *Postgres) {
		p.qCreateTable = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id          TEXT        NOT NULL,
			seq             BIGINT      NOT NULL,
			kind            TEXT        NOT NULL,
			payload         BYTEA,
			idempotency_key TEXT        NOT NULL,
			recorded_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`, table)

		p.qCreateFunction = fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %s_check_seq()
		RETURNS TRIGGER AS $$
		DECLARE head BIGINT;
		BEGIN
			PERFORM pg_advisory_xact_lock(hashtext(NEW.run_id));

			SELECT seq INTO head FROM %s WHERE run_id = NEW.run_id ORDER BY seq DESC LIMIT 1;
			IF NOT FOUND THEN
				head := 0;
			END IF;

			IF NEW.seq != head + 1 THEN
				RAISE EXCEPTION '%s%%', head;
			END IF;

			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;`, table, table, postgresConflictPrefix)

		p.qCreateTrigger = fmt.Sprintf(`
		DROP TRIGGER IF EXISTS trg_%s_check_seq ON %s;
		CREATE TRIGGER trg_%s_check_seq
		BEFORE INSERT ON %s
		FOR EACH ROW EXECUTE FUNCTION %s_check_seq();
		`, table, table, table, table, table)

		p.qInsert = fmt.Sprintf(
			"INSERT INTO %s (run_id, seq, kind, payload, idempotency_key, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)",
			table,
		)
		p.qReadFrom = fmt.Sprintf(
			"SELECT seq, kind, payload, idempotency_key, recorded_at FROM %s WHERE run_id = $1 AND seq >= $2 ORDER BY seq ASC",
			table,
		)
		p.qReadAt = fmt.Sprintf(
			"SELECT seq, kind, payload, idempotency_key, recorded_at FROM %s WHERE run_id = $1 AND seq = $2",
			table,
		)
		p.qRuns = fmt.Sprintf("SELECT DISTINCT run_id FROM %s ORDER BY run_id", table)
	}
}

// OpenPostgres connects through the pgx database/sql driver.
func OpenPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p, err := NewPostgres(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewPostgres uses an existing handle and creates the schema if needed.
func NewPostgres(ctx context.Context, db *sql.DB, opts ...PostgresOption) (*Postgres, error) {
	p := &Postgres{db: db}
	PostgresTableName("sahale_history")(p)
	for _, o := range opts {
		o(p)
	}

	for _, q := range []string{p.qCreateTable, p.qCreateFunction, p.qCreateTrigger} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return nil, fmt.Errorf("new postgres log: %w", err)
		}
	}
	return p, nil
}

func (p *Postgres) Append(ctx context.Context, entry api.Entry) (uint64, error) {
	if err := validate(entry); err != nil {
		return 0, err
	}

	_, err := p.db.ExecContext(ctx, p.qInsert,
		entry.RunID,
		int64(entry.Seq),
		string(entry.Kind),
		entry.Payload,
		entry.IdempotencyKey,
		entry.RecordedAt,
	)
	if err == nil {
		return entry.Seq, nil
	}

	head, isConflict := parsePostgresConflict(err)
	if !isConflict {
		return 0, fmt.Errorf("append: %w", err)
	}
	if entry.Seq > head {
		return 0, conflict(entry, head)
	}

	row := p.db.QueryRowContext(ctx, p.qReadAt, entry.RunID, int64(entry.Seq))
	existing, err := scanPostgresEntry(entry.RunID, row)
	if err != nil {
		return 0, fmt.Errorf("append: read seq %d: %w", entry.Seq, err)
	}
	return settle(entry, existing, head)
}

func (p *Postgres) ReadFrom(ctx context.Context, runID string, from uint64) ([]api.Entry, error) {
	rows, err := p.db.QueryContext(ctx, p.qReadFrom, runID, int64(from))
	if err != nil {
		return nil, fmt.Errorf("read: query: %w", err)
	}
	defer rows.Close()

	var entries []api.Entry
	for rows.Next() {
		e, err := scanPostgresEntry(runID, rows)
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

func (p *Postgres) Runs(ctx context.Context) ([]string, error) {
	return queryRunIDs(ctx, p.db, p.qRuns)
}

func (p *Postgres) Close() error {
	if p.owned {
		return p.db.Close()
	}
	return nil
}

func parsePostgresConflict(err error) (uint64, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, false
	}
	msg, ok := strings.CutPrefix(pgErr.Message, postgresConflictPrefix)
	if !ok {
		return 0, false
	}
	head, perr := strconv.ParseUint(strings.TrimSpace(msg), 10, 64)
	if perr != nil {
		return 0, false
	}
	return head, true
}

func scanPostgresEntry(runID string, row scanner) (api.Entry, error) {
	var (
		seq        int64
		kind       string
		payload    []byte
		key        string
		recordedAt time.Time
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
		RecordedAt:     recordedAt.UTC(),
	}, nil
}

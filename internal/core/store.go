package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/fleetagent/pkg/api"
)

// Store is a SQLite-backed view of the fleet as last seen by the periodic
// sweep. With the default ":memory:" DSN nothing survives a restart.
type Store struct{ db *sql.DB }

// Sweep summarises one periodic sweep of a subnet.
type Sweep struct {
	ID        string    `json:"id"`
	Subnet    string    `json:"subnet"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Succeeded int       `json:"succeeded"`
	Dropped   int       `json:"dropped"`
}

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// UpsertMachines records the machines seen in subnet at seen, replacing any
// earlier record of the same IP.
func (s *Store) UpsertMachines(ctx context.Context, subnet string, machines []api.Machine, seen time.Time) error {
	if len(machines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO machines (ip, subnet, payload, seen_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET subnet = excluded.subnet, payload = excluded.payload, seen_at = excluded.seen_at`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, m := range machines {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode %s: %w", m.IP, err)
		}
		if _, err := stmt.ExecContext(ctx, m.IP, subnet, string(payload), seen.UnixMilli()); err != nil {
			return fmt.Errorf("upsert %s: %w", m.IP, err)
		}
	}
	return tx.Commit()
}

// ListMachines returns the stored machines ordered by IP. An empty subnet
// lists every subnet.
func (s *Store) ListMachines(ctx context.Context, subnet string) ([]api.Machine, error) {
	query := `SELECT payload FROM machines ORDER BY ip`
	var args []any
	if subnet != "" {
		query = `SELECT payload FROM machines WHERE subnet = ? ORDER BY ip`
		args = append(args, subnet)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	machines := []api.Machine{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m api.Machine
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (s *Store) RecordSweep(ctx context.Context, sw Sweep) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sweeps (id, subnet, started, finished, succeeded, dropped) VALUES (?, ?, ?, ?, ?, ?)`,
		sw.ID, sw.Subnet, sw.Started.UnixMilli(), sw.Finished.UnixMilli(), sw.Succeeded, sw.Dropped)
	if err != nil {
		return fmt.Errorf("record sweep %s: %w", sw.ID, err)
	}
	return nil
}

// LastSweep returns the most recently finished sweep, if any.
func (s *Store) LastSweep(ctx context.Context) (Sweep, bool, error) {
	var (
		sw                Sweep
		started, finished int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subnet, started, finished, succeeded, dropped FROM sweeps ORDER BY finished DESC, rowid DESC LIMIT 1`).
		Scan(&sw.ID, &sw.Subnet, &started, &finished, &sw.Succeeded, &sw.Dropped)
	if errors.Is(err, sql.ErrNoRows) {
		return Sweep{}, false, nil
	}
	if err != nil {
		return Sweep{}, false, fmt.Errorf("last sweep: %w", err)
	}
	sw.Started = time.UnixMilli(started)
	sw.Finished = time.UnixMilli(finished)
	return sw, true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// Package cmdstore keeps the coordination service's command queue and the
// relay's check-in history in SQLite.
package cmdstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var ErrNotFound = errors.New("cmdstore: not found")

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	command TEXT NOT NULL,
	done INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT NOT NULL
);
`

const dropSchema = `
DROP TABLE IF EXISTS commands;
DROP TABLE IF EXISTS pings;
`

const timeLayout = time.RFC3339Nano

// Command is one queued vehicle command.
type Command struct {
	ID        int64
	Command   string
	Done      bool
	CreatedAt time.Time
}

type Store struct {
	pool   *sqlitex.Pool
	logger *zap.Logger
	now    func() time.Time
}

// Open opens the database at path, creating the tables if needed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("cmdstore: path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    4,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("cmdstore: opening %s: %w", path, err)
	}
	logger.Info("command database opened", zap.String("path", path))
	return &Store{pool: pool, logger: logger, now: time.Now}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("cmdstore: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

func (s *Store) Close() error {
	return s.pool.Close()
}

// Reset drops all commands and pings and recreates the tables.
func (s *Store) Reset(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cmdstore: reset: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, dropSchema+schema, nil); err != nil {
		return fmt.Errorf("cmdstore: reset: %w", err)
	}
	return nil
}

// Enqueue stores a new pending command and returns its id.
func (s *Store) Enqueue(ctx context.Context, command string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("cmdstore: enqueue: %w", err)
	}
	defer s.pool.Put(conn)
	err = sqlitex.ExecuteTransient(conn,
		"INSERT INTO commands (command, done, created_at) VALUES (?, 0, ?)",
		&sqlitex.ExecOptions{Args: []any{command, s.now().UTC().Format(timeLayout)}})
	if err != nil {
		return 0, fmt.Errorf("cmdstore: enqueue: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// Latest returns the most recently queued command.
func (s *Store) Latest(ctx context.Context) (Command, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Command{}, fmt.Errorf("cmdstore: latest: %w", err)
	}
	defer s.pool.Put(conn)

	var cmd Command
	found := false
	err = sqlitex.ExecuteTransient(conn,
		"SELECT id, command, done, created_at FROM commands ORDER BY id DESC LIMIT 1",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			cmd.ID = stmt.ColumnInt64(0)
			cmd.Command = stmt.ColumnText(1)
			cmd.Done = stmt.ColumnInt64(2) != 0
			created, perr := time.Parse(timeLayout, stmt.ColumnText(3))
			cmd.CreatedAt = created
			return perr
		}})
	if err != nil {
		return Command{}, fmt.Errorf("cmdstore: latest: %w", err)
	}
	if !found {
		return Command{}, ErrNotFound
	}
	return cmd, nil
}

// MarkDone flags command id as executed. Marking it twice is fine.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cmdstore: mark done: %w", err)
	}
	defer s.pool.Put(conn)
	err = sqlitex.ExecuteTransient(conn, "UPDATE commands SET done = 1 WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("cmdstore: mark done: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPing notes that the relay checked in.
func (s *Store) RecordPing(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cmdstore: ping: %w", err)
	}
	defer s.pool.Put(conn)
	err = sqlitex.ExecuteTransient(conn, "INSERT INTO pings (created_at) VALUES (?)",
		&sqlitex.ExecOptions{Args: []any{s.now().UTC().Format(timeLayout)}})
	if err != nil {
		return fmt.Errorf("cmdstore: ping: %w", err)
	}
	return nil
}

// LastPing returns when the relay last checked in.
func (s *Store) LastPing(ctx context.Context) (time.Time, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("cmdstore: last ping: %w", err)
	}
	defer s.pool.Put(conn)

	var raw string
	err = sqlitex.ExecuteTransient(conn, "SELECT created_at FROM pings ORDER BY id DESC LIMIT 1",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			raw = stmt.ColumnText(0)
			return nil
		}})
	if err != nil {
		return time.Time{}, fmt.Errorf("cmdstore: last ping: %w", err)
	}
	if raw == "" {
		return time.Time{}, ErrNotFound
	}
	return time.Parse(timeLayout, raw)
}

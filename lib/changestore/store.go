// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package changestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/meshfeed/lib/change"
	"github.com/bureau-foundation/meshfeed/lib/sqlitepool"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("changestore: closed")

const schema = `
CREATE TABLE IF NOT EXISTS changes (
	position INTEGER PRIMARY KEY,
	hash     BLOB NOT NULL UNIQUE,
	encoding INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	payload  BLOB NOT NULL
);`

// Defaults for bloom filter sizing.
const (
	DefaultExpectedChanges   = 10000
	DefaultFalsePositiveRate = 0.01
)

// Config holds the parameters for Open.
type Config struct {
	// Path is the SQLite database file, or ":memory:".
	Path string

	// ExpectedChanges sizes the bloom filter. When the log outgrows
	// it the filter is rebuilt at double the capacity.
	ExpectedChanges uint

	// FalsePositiveRate is the target rate at ExpectedChanges.
	FalsePositiveRate float64

	Logger *slog.Logger
}

// Store is a SQLite-backed change log. Safe for concurrent use.
//
// mu serializes writers against readers so that the length reported
// with a read always matches the rows the read returned; a cursor
// handed to a peer never skips a change.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger

	falsePositiveRate float64

	mu       sync.RWMutex
	length   int
	capacity uint
	filter   *bloom.BloomFilter
	closed   bool
}

// Open opens (or creates) the store and rebuilds its bloom filter from
// the stored hashes.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	capacity := cfg.ExpectedChanges
	if capacity == 0 {
		capacity = DefaultExpectedChanges
	}
	rate := cfg.FalsePositiveRate
	if rate <= 0 || rate >= 1 {
		rate = DefaultFalsePositiveRate
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Schema: schema,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening change store: %w", err)
	}

	store := &Store{
		pool:              pool,
		logger:            logger,
		falsePositiveRate: rate,
		capacity:          capacity,
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("opening change store: %w", err)
	}
	err = store.rebuildLocked(conn)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("change store opened", "path", cfg.Path, "changes", store.length)
	return store, nil
}

// rebuildLocked recounts the log and refills the bloom filter, growing
// capacity until it covers the log. Caller holds mu for writing (or is
// Open, before the store is shared).
func (s *Store) rebuildLocked(conn *sqlite.Conn) error {
	length := 0
	if err := sqlitex.Execute(conn, "SELECT COUNT(*) FROM changes", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			length = stmt.ColumnInt(0)
			return nil
		},
	}); err != nil {
		return fmt.Errorf("counting changes: %w", err)
	}
	for uint(length) > s.capacity {
		s.capacity *= 2
	}

	filter := bloom.NewWithEstimates(s.capacity, s.falsePositiveRate)
	err := sqlitex.Execute(conn, "SELECT hash FROM changes", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			hash := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, hash)
			filter.Add(hash)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("loading change hashes: %w", err)
	}

	s.length = length
	s.filter = filter
	return nil
}

// SaveChange appends encoded under hash unless the hash is already
// stored. It reports whether the change was new.
func (s *Store) SaveChange(ctx context.Context, hash change.Hash, encoded []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("saving change %s: %w", hash, err)
	}
	defer s.pool.Put(conn)

	stored, encoding := pack(encoded)
	err = sqlitex.Execute(conn,
		"INSERT OR IGNORE INTO changes (hash, encoding, size, payload) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{hash[:], encoding, len(encoded), stored}})
	if err != nil {
		return false, fmt.Errorf("saving change %s: %w", hash, err)
	}
	if conn.Changes() == 0 {
		return false, nil
	}

	s.length++
	s.filter.Add(hash[:])
	if uint(s.length) > s.capacity {
		s.capacity *= 2
		if err := s.rebuildLocked(conn); err != nil {
			// The row is committed; only the filter is stale.
			s.logger.Error("bloom filter resize failed", "error", err)
		} else {
			s.logger.Info("bloom filter resized", "capacity", s.capacity, "changes", s.length)
		}
	}
	return true, nil
}

// ChangesSince returns every change at position >= cursor, in log
// order, and the log length. A cursor past the end returns nothing; a
// negative cursor starts at 0.
func (s *Store) ChangesSince(ctx context.Context, cursor int) ([][]byte, int, error) {
	if cursor < 0 {
		cursor = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, ErrClosed
	}
	if cursor >= s.length {
		return nil, s.length, nil
	}

	changes, err := s.scan(ctx,
		"SELECT hash, encoding, size, payload FROM changes ORDER BY position LIMIT -1 OFFSET ?",
		[]any{cursor}, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("reading changes since %d: %w", cursor, err)
	}
	return changes, s.length, nil
}

// MissingChanges returns every change whose hash the given filter does
// not contain, in log order, and the log length. A false positive in
// the filter hides a change the peer actually lacks; the steady-state
// pull by cursor delivers it later.
func (s *Store) MissingChanges(ctx context.Context, filter *bloom.BloomFilter) ([][]byte, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, ErrClosed
	}

	changes, err := s.scan(ctx,
		"SELECT hash, encoding, size, payload FROM changes ORDER BY position",
		nil, func(hash []byte) bool { return filter == nil || !filter.Test(hash) })
	if err != nil {
		return nil, 0, fmt.Errorf("reading missing changes: %w", err)
	}
	return changes, s.length, nil
}

// scan runs query and returns decoded payloads of the rows keep
// accepts (all rows when keep is nil).
func (s *Store) scan(ctx context.Context, query string, args []any, keep func(hash []byte) bool) ([][]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var changes [][]byte
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if keep != nil {
				hash := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, hash)
				if !keep(hash) {
					return nil
				}
			}
			stored := make([]byte, stmt.ColumnLen(3))
			stmt.ColumnBytes(3, stored)
			encoded, err := unpack(stored, stmt.ColumnInt(1), stmt.ColumnInt(2))
			if err != nil {
				return err
			}
			changes = append(changes, encoded)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// BloomFilter returns a snapshot of the filter over every stored hash.
// The snapshot is independent of later inserts.
func (s *Store) BloomFilter() *bloom.BloomFilter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.Copy()
}

// Len returns the number of stored changes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// Close closes the database. Later calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.pool.Close()
}

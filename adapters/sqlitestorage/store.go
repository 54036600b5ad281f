package sqlitestorage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golemcloud/oplog"
)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type Store struct {
	db *sql.DB
}

var _ oplog.IndexedStorage = (*Store)(nil)

func (s *Store) Exists(ctx context.Context, ns oplog.Namespace, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM oplog_entries WHERE namespace = ? AND key = ?)",
		ns.Prefix(), key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return exists, nil
}

func (s *Store) Append(ctx context.Context, ns oplog.Namespace, key string, id uint64, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	err = appendTx(ctx, tx, ns, key, id, value)
	if err != nil {
		return err
	}
	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func appendTx(ctx context.Context, tx *sql.Tx, ns oplog.Namespace, key string, id uint64, value []byte) error {
	var last int64
	err := tx.QueryRowContext(ctx,
		"SELECT id FROM oplog_entries WHERE namespace = ? AND key = ? ORDER BY id DESC LIMIT 1",
		ns.Prefix(), key,
	).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query last id: %w", err)
	}
	if err == nil {
		if int64(id) == last {
			return fmt.Errorf("append id %d: %w", id, oplog.ErrIDExists)
		}
		if int64(id) < last {
			return fmt.Errorf("append id %d below %d: %w", id, last, oplog.ErrIDNotMonotone)
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO oplog_entries (namespace, key, id, value) VALUES (?, ?, ?, ?)",
		ns.Prefix(), key, int64(id), value,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *Store) AppendMany(ctx context.Context, ns oplog.Namespace, key string, pairs []oplog.IDValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append many: %w", err)
	}
	defer tx.Rollback()

	for _, pair := range pairs {
		err := appendTx(ctx, tx, ns, key, pair.ID, pair.Value)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit append many: %w", err)
	}
	return nil
}

func (s *Store) Length(ctx context.Context, ns oplog.Namespace, key string) (uint64, error) {
	var count uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM oplog_entries WHERE namespace = ? AND key = ?",
		ns.Prefix(), key,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("length: %w", err)
	}
	return count, nil
}

func (s *Store) Read(ctx context.Context, ns oplog.Namespace, key string, start, end uint64) ([]oplog.IDValue, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, value FROM oplog_entries WHERE namespace = ? AND key = ? AND id BETWEEN ? AND ? ORDER BY id",
		ns.Prefix(), key, int64(start), int64(end),
	)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	defer rows.Close()

	var items []oplog.IDValue
	for rows.Next() {
		var id int64
		var value []byte
		err := rows.Scan(&id, &value)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		items = append(items, oplog.IDValue{ID: uint64(id), Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return items, nil
}

func (s *Store) First(ctx context.Context, ns oplog.Namespace, key string) (oplog.IDValue, bool, error) {
	return s.one(ctx,
		"SELECT id, value FROM oplog_entries WHERE namespace = ? AND key = ? ORDER BY id ASC LIMIT 1",
		ns.Prefix(), key,
	)
}

func (s *Store) Last(ctx context.Context, ns oplog.Namespace, key string) (oplog.IDValue, bool, error) {
	return s.one(ctx,
		"SELECT id, value FROM oplog_entries WHERE namespace = ? AND key = ? ORDER BY id DESC LIMIT 1",
		ns.Prefix(), key,
	)
}

func (s *Store) Closest(ctx context.Context, ns oplog.Namespace, key string, id uint64) (oplog.IDValue, bool, error) {
	return s.one(ctx,
		"SELECT id, value FROM oplog_entries WHERE namespace = ? AND key = ? AND id >= ? ORDER BY id ASC LIMIT 1",
		ns.Prefix(), key, int64(id),
	)
}

func (s *Store) one(ctx context.Context, query string, args ...any) (oplog.IDValue, bool, error) {
	var id int64
	var value []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return oplog.IDValue{}, false, nil
	}
	if err != nil {
		return oplog.IDValue{}, false, fmt.Errorf("query entry: %w", err)
	}
	return oplog.IDValue{ID: uint64(id), Value: value}, true, nil
}

func (s *Store) DropPrefix(ctx context.Context, ns oplog.Namespace, key string, lastDropped uint64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM oplog_entries WHERE namespace = ? AND key = ? AND id <= ?",
		ns.Prefix(), key, int64(lastDropped),
	)
	if err != nil {
		return fmt.Errorf("drop prefix: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ns oplog.Namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM oplog_entries WHERE namespace = ? AND key = ?",
		ns.Prefix(), key,
	)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, ns oplog.Namespace, pattern string, cursor uint64, count uint64) (uint64, []string, error) {
	// SQLite GLOB uses the same * wildcard as the storage contract.
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT key FROM oplog_entries WHERE namespace = ? AND key GLOB ? ORDER BY key LIMIT ? OFFSET ?",
		ns.Prefix(), pattern, int64(count), int64(cursor),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("scan: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		err := rows.Scan(&key)
		if err != nil {
			return 0, nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("scan rows: %w", err)
	}

	if uint64(len(keys)) < count {
		return 0, keys, nil
	}
	return cursor + count, keys, nil
}

func (s *Store) NumberOfReplicas(ctx context.Context) (int, error) {
	// A local database file is its own single replica.
	return 1, nil
}

func (s *Store) WaitForReplicas(ctx context.Context, replicas int, timeout time.Duration) (int, error) {
	return 1, nil
}

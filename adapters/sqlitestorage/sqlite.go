// Package sqlitestorage implements IndexedStorage on a SQLite database.
package sqlitestorage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open creates a new SQLite database connection with settings suited to an
// append-heavy oplog workload.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",   // Enable Write-Ahead Logging for better concurrency
		"PRAGMA synchronous=NORMAL", // Good balance of safety and performance
		"PRAGMA cache_size=10000",   // Increase cache size for better performance
		"PRAGMA temp_store=MEMORY",  // Store temporary tables in memory
		"PRAGMA busy_timeout=5000",  // Wait up to 5 seconds for locks
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// InitSchema creates the table backing the indexed storage adapter.
func InitSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS oplog_entries (
    namespace TEXT NOT NULL,
    key       TEXT NOT NULL,
    id        INTEGER NOT NULL,
    value     BLOB NOT NULL,
    PRIMARY KEY (namespace, key, id)
);`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

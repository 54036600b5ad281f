package sqlitestorage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/golemcloud/oplog"
	"github.com/golemcloud/oplog/adapters/adaptertest"
)

func TestSQLiteIndexedStorage(t *testing.T) {
	adaptertest.RunIndexedStorageTest(t, func() oplog.IndexedStorage {
		db, err := Open(filepath.Join(t.TempDir(), "oplog.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		require.NoError(t, InitSchema(db))
		return New(db)
	})
}

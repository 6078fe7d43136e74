package db

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/loom/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database with pragmas on every connection", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		db.SetMaxOpenConns(4)

		// Hold several connections open at once so more than one is dialed
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var journalMode string
				var busyTimeout, foreignKeys int
				assert.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
				assert.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
				assert.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
				assert.Equal(t, "wal", journalMode)
				assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
				assert.Equal(t, 1, foreignKeys)
			}()
		}
		wg.Wait()
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		require.Error(t, err)
		assert.Nil(t, db)

		assert.NotNil(t, errors.GetStack(err), "error should have stack trace from errors.Wrap")
		assert.NotEmpty(t, errors.GetAllHints(err))
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("closed database errors are recognized", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		_, err = db.Exec("SELECT 1")
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
		assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "claim")))
		assert.False(t, IsDatabaseClosed(nil))
	})
}

func TestOpen_WithLogger(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(errors.New("other")))
}

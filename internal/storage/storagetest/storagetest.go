// Package storagetest provides an in-memory job store for tests
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/selma-orchestration/maestro/internal/storage"
	"github.com/selma-orchestration/maestro/shared/logger"
)

// New returns a Storage backed by a private in-memory SQLite database with
// the schema applied. The database is closed when the test ends.
func New(t testing.TB) *storage.Storage {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := sqlx.Open("sqlite3", dsn)
	require.NoError(t, err)

	// one connection keeps the in-memory database alive and serializes access
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, storage.Migrate(context.Background(), db))
	return storage.NewStorage(db, logger.NewNop().Logger)
}

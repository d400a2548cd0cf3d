// Package testutil provides an in-memory database with the production
// schema applied.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/raffle-ticketing/internal/database"
)

var seq atomic.Int64

// NewDB opens a private shared-cache in-memory SQLite database for t and
// closes it when the test ends.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_foreign_keys=on", name, seq.Add(1))
	db, err := database.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Apply(context.Background(), db, database.SQLite))
	return db
}

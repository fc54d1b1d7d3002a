package unittest

import (
	"testing"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/require"
)

// RunWithBadgerDB runs the test body against a fresh in-memory badger
// instance and tears it down afterwards.
func RunWithBadgerDB(t *testing.T, f func(db *badger.DB)) {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, db.Close())
	}()
	f(db)
}

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"waflow/internal/infra/logger"
)

// newTestStore opens a store on a throwaway sqlite file. :memory: is
// unusable here because database/sql pools connections and each pooled
// connection would get its own empty in-memory database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), logger.New("test", "ERROR"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

package database

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations(t *testing.T) {
	t.Parallel()

	_, connString, cleanupFunc := SetupTestDB(t)
	t.Cleanup(cleanupFunc)

	m, err := NewFromConnectionString(connString)
	require.NoError(t, err)

	// SetupTestDB already ran everything up; walk back down and up
	// again one logical migration at a time.
	fnames, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)

	for i := len(fnames); i >= 1; i-- {
		err = m.Steps(-i)
		assert.NoError(t, err)

		err = m.Steps(i)
		assert.NoError(t, err)
	}
}

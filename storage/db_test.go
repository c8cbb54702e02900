package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testDatabase(t *testing.T, db Database) {
	t.Helper()

	_, found, err := db.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, db.Put([]byte("a/1"), []byte("one")))
	require.NoError(t, db.Put([]byte("a/2"), []byte("two")))
	require.NoError(t, db.Put([]byte("b/1"), []byte("other")))

	value, found, err := db.Get([]byte("a/1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("one"), value)

	require.NoError(t, db.Put([]byte("a/1"), []byte("uno")))
	value, found, err = db.Get([]byte("a/1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("uno"), value)

	keys, err := db.Keys([]byte("a/"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a/1"), []byte("a/2")}, keys)

	keys, err = db.Keys([]byte("c/"))
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	testDatabase(t, db)
	require.NoError(t, db.Close())
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("mutable")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'X'

	stored, found, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("mutable"), stored)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	testDatabase(t, db)
	require.NoError(t, db.Close())
}

func TestLevelDBReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := NewLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("persisted"), []byte("yes")))
	require.NoError(t, db.Close())

	db, err = NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()
	value, found, err := db.Get([]byte("persisted"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("yes"), value)
}

package dbkv

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	applied, err := db.Put("k", []byte("v1"), 1)
	require.NoError(t, err)
	require.True(t, applied)

	rec, ok := db.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), rec.Data)
}

func TestStaleWriteRejected(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Put("k", []byte("v2"), 5)
	require.NoError(t, err)

	applied, err := db.Put("k", []byte("stale"), 3)
	require.NoError(t, err)
	require.False(t, applied)

	rec, ok := db.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v2"), rec.Data)
}

func TestDeleteTombstonesHidesFromGet(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	_, _ = db.Put("k", []byte("v"), 1)
	applied, err := db.Delete("k", 2)
	require.NoError(t, err)
	require.True(t, applied)

	_, ok := db.Get("k")
	require.False(t, ok)

	raw, ok := db.GetRaw("k")
	require.True(t, ok)
	require.True(t, raw.Tombstone)
}

func TestGetIfModified(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	_, _ = db.Put("k", []byte("v"), 10)

	_, modified, found := db.GetIfModified("k", 10)
	require.True(t, found)
	require.False(t, modified)

	rec, modified, found := db.GetIfModified("k", 5)
	require.True(t, found)
	require.True(t, modified)
	require.Equal(t, []byte("v"), rec.Data)
}

func TestBackupWritesSuffixedCopy(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	_, _ = db.Put("k", []byte("v"), 1)
	require.NoError(t, db.Backup("20260802"))

	data, err := os.ReadFile(dir + "-20260802")
	require.NoError(t, err)

	var snap map[string]Record
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, []byte("v"), snap["k"].Data)

	require.Error(t, db.Backup(""))
}

func TestSnapshotAndReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)

	_, _ = db.Put("a", []byte("1"), 1)
	_, _ = db.Put("b", []byte("2"), 2)
	require.NoError(t, db.Snapshot())
	_, _ = db.Put("c", []byte("3"), 3)
	require.NoError(t, db.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	for _, tc := range []struct{ key, want string }{
		{"a", "1"}, {"b", "2"}, {"c", "3"},
	} {
		rec, ok := reopened.Get(tc.key)
		require.True(t, ok, tc.key)
		require.Equal(t, tc.want, string(rec.Data))
	}
}

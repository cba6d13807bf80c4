package codecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wasmjit/internal/profile"
)

func TestFileCacheRoundTrip(t *testing.T) {
	fc, err := NewFileCache(t.TempDir())
	require.NoError(t, err)

	key := KeyOf(fid(0), profile.TierOptimized, []byte{1, 2, 3})
	blob := []byte("compiled native code blob")
	require.NoError(t, fc.Add(key, blob))

	got, ok, err := fc.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blob, got)
}

func TestFileCacheMiss(t *testing.T) {
	fc, err := NewFileCache(t.TempDir())
	require.NoError(t, err)

	_, ok, err := fc.Get(KeyOf(fid(9), profile.TierOptimized, nil))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileCacheDelete(t *testing.T) {
	fc, err := NewFileCache(t.TempDir())
	require.NoError(t, err)

	key := KeyOf(fid(1), profile.TierOptimized, []byte{4})
	require.NoError(t, fc.Add(key, []byte("x")))
	require.NoError(t, fc.Delete(key))
	_, ok, err := fc.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	// deleting an absent key is not an error
	require.NoError(t, fc.Delete(key))
}

func TestFileCacheCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	fc, err := NewFileCache(dir)
	require.NoError(t, err)

	key := KeyOf(fid(2), profile.TierOptimized, []byte{5})
	require.NoError(t, fc.Add(key, []byte("payload")))

	// truncate the file mid-frame
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, entries[0].Name()), []byte{0x00, 0x01}, 0o644))

	_, ok, err := fc.Get(key)
	require.NoError(t, err)
	require.False(t, ok, "corrupt entries degrade to a miss")
}

func TestKeyOfDistinguishesInputs(t *testing.T) {
	base := KeyOf(fid(0), profile.TierOptimized, []byte{1})
	require.NotEqual(t, base, KeyOf(fid(1), profile.TierOptimized, []byte{1}))
	require.NotEqual(t, base, KeyOf(fid(0), profile.TierBaseline, []byte{1}))
	require.NotEqual(t, base, KeyOf(fid(0), profile.TierOptimized, []byte{2}))
}

// internal/codecache/filecache.go
package codecache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	pkgerrors "github.com/pkg/errors"

	"wasmjit/internal/profile"
	"wasmjit/internal/wasm"
)

// Key is the content identity of one persisted blob: module, function
// index, tier, and the source bytes all feed the hash, so a changed
// input never resurrects stale code.
type Key [sha256.Size]byte

// KeyOf derives the persistence key for compiling src at tier for id.
func KeyOf(id wasm.FunctionID, tier profile.Tier, src []byte) Key {
	h := sha256.New()
	h.Write([]byte(id.Module))
	var idx [8]byte
	binary.LittleEndian.PutUint32(idx[0:4], id.Index)
	binary.LittleEndian.PutUint32(idx[4:8], uint32(tier))
	h.Write(idx[:])
	h.Write(src)
	var k Key
	h.Sum(k[:0])
	return k
}

// FileCache persists compiled blobs across processes so a restarted
// runtime skips recompilation of hot functions. Blobs are
// lz4-compressed and written atomically (temp file, then rename).
// It augments the in-memory cache; a miss or a corrupt file just
// means compiling from scratch.
type FileCache struct {
	dir string
}

// NewFileCache opens (and creates if needed) a cache directory.
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "filecache: create directory")
	}
	return &FileCache{dir: dir}, nil
}

func (fc *FileCache) path(key Key) string {
	return filepath.Join(fc.dir, hex.EncodeToString(key[:])+".nc")
}

// Get returns the persisted blob for key, ok=false when absent.
// Unreadable or corrupt entries are deleted and reported as absent.
func (fc *FileCache) Get(key Key) ([]byte, bool, error) {
	f, err := os.Open(fc.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.Wrap(err, "filecache: open")
	}
	defer f.Close()

	blob, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		os.Remove(fc.path(key))
		return nil, false, nil
	}
	return blob, true, nil
}

// Add persists blob under key.
func (fc *FileCache) Add(key Key, blob []byte) error {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(blob); err != nil {
		return pkgerrors.Wrap(err, "filecache: compress")
	}
	if err := zw.Close(); err != nil {
		return pkgerrors.Wrap(err, "filecache: compress")
	}

	tmp := filepath.Join(fc.dir, uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return pkgerrors.Wrap(err, "filecache: write")
	}
	if err := os.Rename(tmp, fc.path(key)); err != nil {
		os.Remove(tmp)
		return pkgerrors.Wrap(err, "filecache: rename")
	}
	return nil
}

// Delete removes the persisted blob for key. Missing entries are not
// an error.
func (fc *FileCache) Delete(key Key) error {
	err := os.Remove(fc.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

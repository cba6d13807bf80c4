// internal/codegen/native.go

// Package codegen holds the code generator contract consumed by the
// compiler pipeline, the NativeCode blob type shared between the code
// cache and in-flight executions, and a default backend that encodes
// IR into a compact opaque byte form.
package codegen

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// NativeCode is an immutable compiled blob. It is reference counted
// so the cache and any in-flight executions can share one blob while
// eviction releases the backing pages independently: the creator
// holds the initial reference, every additional holder pairs Retain
// with Release, and the release hook runs when the count reaches
// zero.
type NativeCode struct {
	code    []byte
	refs    atomic.Int32
	release func([]byte)
}

// NewNativeCode wraps code. release, if non-nil, is invoked once when
// the last reference is dropped (the executable-page allocator's free
// path).
func NewNativeCode(code []byte, release func([]byte)) *NativeCode {
	nc := &NativeCode{code: code, release: release}
	nc.refs.Store(1)
	return nc
}

// Bytes returns the blob. Callers must not mutate it.
func (nc *NativeCode) Bytes() []byte { return nc.code }

// Size returns the blob size in bytes.
func (nc *NativeCode) Size() int { return len(nc.code) }

// Retain adds a reference.
func (nc *NativeCode) Retain() *NativeCode {
	nc.refs.Add(1)
	return nc
}

// Release drops a reference, freeing the backing pages when it was
// the last one.
func (nc *NativeCode) Release() {
	if nc.refs.Add(-1) == 0 {
		if nc.release != nil {
			nc.release(nc.code)
		}
		nc.code = nil
	}
}

func (nc *NativeCode) String() string {
	return fmt.Sprintf("native code (%s)", humanize.IBytes(uint64(len(nc.code))))
}

// PageAllocator is the executable-memory contract provided by the OS
// layer. Alloc returns a writable region that the platform later
// flips to execute-only; ownership of the pages stays with the
// allocator, which frees them through the NativeCode release hook.
type PageAllocator interface {
	Alloc(size int) ([]byte, error)
	Free(pages []byte)
}

// internal/codegen/generator.go
package codegen

import (
	"encoding/binary"

	"wasmjit/internal/errors"
	"wasmjit/internal/ir"
	"wasmjit/internal/wasm"
)

// Generator lowers IR into native code at one of two fidelities. It
// is an external contract: instruction selection and register
// allocation strategy are the implementation's business.
type Generator interface {
	GenerateBaseline(fn *ir.Function) (*NativeCode, error)
	GenerateOptimized(fn *ir.Function) (*NativeCode, error)
}

// Fidelity markers written into the blob header by the default
// backend.
const (
	fidelityBaseline  = 0x01
	fidelityOptimized = 0x02
)

// blobBackend is the default Generator. It serializes IR into a
// compact deterministic byte form so the pipeline, cache, and engine
// are exercisable end to end without a platform instruction selector.
// When an allocator is present the blob is copied into pages it owns.
type blobBackend struct {
	alloc PageAllocator
}

// NewBackend returns the default code generator. alloc may be nil, in
// which case blobs live on the Go heap.
func NewBackend(alloc PageAllocator) Generator {
	return &blobBackend{alloc: alloc}
}

func (b *blobBackend) GenerateBaseline(fn *ir.Function) (*NativeCode, error) {
	return b.generate(fn, fidelityBaseline)
}

func (b *blobBackend) GenerateOptimized(fn *ir.Function) (*NativeCode, error) {
	return b.generate(fn, fidelityOptimized)
}

func (b *blobBackend) generate(fn *ir.Function, fidelity byte) (*NativeCode, error) {
	if fn == nil {
		return nil, errors.New(errors.CodeGen, "nil function")
	}
	buf := make([]byte, 0, 8+len(fn.Body)*4)
	buf = append(buf, 'w', 'j', fidelity)
	buf = wasm.AppendUint32(buf, uint32(len(fn.Params)))
	buf = wasm.AppendUint32(buf, uint32(len(fn.Locals)))
	buf = wasm.AppendUint32(buf, uint32(len(fn.Body)))
	var imm [8]byte
	for _, in := range fn.Body {
		buf = append(buf, byte(in.Op), byte(in.Type))
		buf = wasm.AppendUint32(buf, in.Arg)
		if in.Op == ir.OpConst {
			binary.LittleEndian.PutUint64(imm[:], in.Imm)
			buf = append(buf, imm[:]...)
		}
	}

	if b.alloc == nil {
		return NewNativeCode(buf, nil), nil
	}
	pages, err := b.alloc.Alloc(len(buf))
	if err != nil {
		return nil, errors.Wrap(errors.OutOfMemory, err, "executable page allocation")
	}
	copy(pages, buf)
	return NewNativeCode(pages[:len(buf)], b.alloc.Free), nil
}

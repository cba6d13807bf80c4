package compiler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"wasmjit/internal/codegen"
	"wasmjit/internal/errors"
	"wasmjit/internal/profile"
	"wasmjit/internal/wasm"
)

// buildModule assembles a minimal binary: header plus a code section
// holding the given instruction streams, each with an empty locals
// vector.
func buildModule(bodies ...[]byte) []byte {
	raw := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	var code []byte
	code = wasm.AppendUint32(code, uint32(len(bodies)))
	for _, b := range bodies {
		code = wasm.AppendUint32(code, uint32(len(b)+1))
		code = append(code, 0x00)
		code = append(code, b...)
	}
	raw = append(raw, 0x0A) // code section
	raw = wasm.AppendUint32(raw, uint32(len(code)))
	return append(raw, code...)
}

func wasmFn(body ...byte) *wasm.Function {
	return &wasm.Function{ID: wasm.FunctionID{Module: "m", Index: 0}, Body: body}
}

func TestCompileBaseline(t *testing.T) {
	p := NewPipeline(codegen.NewBackend(nil))
	code, err := p.CompileBaseline(wasmFn(0x41, 0x2A, 0x1A, 0x0B)) // i32.const 42; drop; end
	require.NoError(t, err)
	require.NotZero(t, code.Size())
	defer code.Release()
}

func TestCompileBaselineTranslationError(t *testing.T) {
	p := NewPipeline(codegen.NewBackend(nil))
	code, err := p.CompileBaseline(wasmFn(0x1A, 0x0B)) // drop on empty stack
	require.Error(t, err)
	require.Nil(t, code)
	require.Equal(t, errors.Translation, errors.KindOf(err))
}

func TestCompileOptimizedFoldsConstants(t *testing.T) {
	p := NewPipeline(codegen.NewBackend(nil))

	// i32.const 2; i32.const 3; i32.add; drop; end
	folded, err := p.CompileOptimized(wasmFn(0x41, 0x02, 0x41, 0x03, 0x6A, 0x1A, 0x0B), nil, nil)
	require.NoError(t, err)
	defer folded.Release()

	// folding then dead-code elimination leaves just the end
	trivial, err := p.CompileOptimized(wasmFn(0x0B), nil, nil)
	require.NoError(t, err)
	defer trivial.Release()

	require.Equal(t, trivial.Bytes(), folded.Bytes())
}

func TestCompileOptimizedDiffersFromBaseline(t *testing.T) {
	p := NewPipeline(codegen.NewBackend(nil))
	fn := wasmFn(0x41, 0x2A, 0x1A, 0x0B)

	base, err := p.CompileBaseline(fn)
	require.NoError(t, err)
	defer base.Release()
	opt, err := p.CompileOptimized(fn, nil, nil)
	require.NoError(t, err)
	defer opt.Release()

	require.NotEqual(t, base.Bytes(), opt.Bytes())
}

func TestCompileModule(t *testing.T) {
	p := NewPipeline(codegen.NewBackend(nil))
	raw := buildModule(
		[]byte{0x41, 0x01, 0x1A, 0x0B},
		[]byte{0x41, 0x02, 0x1A, 0x0B},
		[]byte{0x0B},
	)
	out, err := p.CompileModule("demo", raw, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, mf := range out {
		require.Equal(t, uint32(i), mf.Index)
		require.NotZero(t, mf.Code.Size())
		mf.Code.Release()
	}
}

func TestCompileModuleInlinesWithProfile(t *testing.T) {
	p := NewPipeline(codegen.NewBackend(nil))

	// type section: () -> () and () -> i32
	typeSec := []byte{0x02, 0x60, 0x00, 0x00, 0x60, 0x00, 0x01, 0x7F}
	// function section: function 0 has type 0, function 1 type 1
	fnSec := []byte{0x02, 0x00, 0x01}

	raw := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	raw = append(raw, 0x01) // type section
	raw = wasm.AppendUint32(raw, uint32(len(typeSec)))
	raw = append(raw, typeSec...)
	raw = append(raw, 0x03) // function section
	raw = wasm.AppendUint32(raw, uint32(len(fnSec)))
	raw = append(raw, fnSec...)

	var code []byte
	code = wasm.AppendUint32(code, 2)
	bodies := [][]byte{
		{0x00, 0x10, 0x01, 0x1A, 0x0B}, // call 1; drop; end
		{0x00, 0x41, 0x2A, 0x0B},       // i32.const 42; end
	}
	for _, b := range bodies {
		code = wasm.AppendUint32(code, uint32(len(b)))
		code = append(code, b...)
	}
	raw = append(raw, 0x0A)
	raw = wasm.AppendUint32(raw, uint32(len(code)))
	raw = append(raw, code...)

	profiles := func(id wasm.FunctionID) *profile.Data {
		if id.Index == 0 {
			return &profile.Data{CallCount: inlineCallThreshold + 1}
		}
		return nil
	}
	out, err := p.CompileModule("demo", raw, profiles)
	require.NoError(t, err)
	require.Len(t, out, 2)
	defer out[0].Code.Release()
	defer out[1].Code.Release()

	// the callee's constant is spliced into the caller and the
	// resulting const/drop pair eliminated, leaving a trivial body
	trivial, err := p.CompileOptimized(wasmFn(0x0B), nil, nil)
	require.NoError(t, err)
	defer trivial.Release()
	require.Equal(t, trivial.Bytes(), out[0].Code.Bytes())
}

func TestCompileModuleParseError(t *testing.T) {
	p := NewPipeline(codegen.NewBackend(nil))
	out, err := p.CompileModule("demo", []byte{0xDE, 0xAD}, nil)
	require.Error(t, err)
	require.Nil(t, out)
	require.Equal(t, errors.InvalidModule, errors.KindOf(err))
}

func TestCompileModuleAllOrNothing(t *testing.T) {
	p := NewPipeline(codegen.NewBackend(nil))
	raw := buildModule(
		[]byte{0x41, 0x01, 0x1A, 0x0B},
		[]byte{0xFE, 0x0B}, // unsupported opcode
	)
	out, err := p.CompileModule("demo", raw, nil)
	require.Error(t, err)
	require.Nil(t, out)
	require.Equal(t, errors.Translation, errors.KindOf(err))
}

// countingAllocator fails the nth allocation and tracks outstanding
// pages, so partial-output release is observable.
type countingAllocator struct {
	allocs      int
	failAt      int
	outstanding int
}

func (a *countingAllocator) Alloc(size int) ([]byte, error) {
	a.allocs++
	if a.allocs == a.failAt {
		return nil, fmt.Errorf("mmap: out of address space")
	}
	a.outstanding++
	return make([]byte, size), nil
}

func (a *countingAllocator) Free(pages []byte) { a.outstanding-- }

func TestCompileModuleReleasesPartialOutput(t *testing.T) {
	alloc := &countingAllocator{failAt: 3}
	p := NewPipeline(codegen.NewBackend(alloc))
	raw := buildModule(
		[]byte{0x41, 0x01, 0x1A, 0x0B},
		[]byte{0x41, 0x02, 0x1A, 0x0B},
		[]byte{0x41, 0x03, 0x1A, 0x0B},
	)
	out, err := p.CompileModule("demo", raw, nil)
	require.Error(t, err)
	require.Nil(t, out)
	require.Equal(t, errors.OutOfMemory, errors.KindOf(err))
	require.Zero(t, alloc.outstanding)
}

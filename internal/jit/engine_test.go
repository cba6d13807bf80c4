package jit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"wasmjit/internal/codegen"
	"wasmjit/internal/compiler"
	"wasmjit/internal/errors"
	"wasmjit/internal/wasm"
)

// testBody is a code-section entry: empty locals vector, then
// i32.const 42; drop; end.
var testBody = []byte{0x00, 0x41, 0x2A, 0x1A, 0x0B}

func testID() wasm.FunctionID {
	return wasm.FunctionID{Module: "m", Index: 0}
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := NewEngine(opts, nil)
	require.NoError(t, err)
	return e
}

// buildTestModule assembles a header plus a code section holding the
// given instruction streams, each with an empty locals vector.
func buildTestModule(bodies ...[]byte) []byte {
	raw := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	var code []byte
	code = wasm.AppendUint32(code, uint32(len(bodies)))
	for _, b := range bodies {
		code = wasm.AppendUint32(code, uint32(len(b)+1))
		code = append(code, 0x00)
		code = append(code, b...)
	}
	raw = append(raw, 0x0A)
	raw = wasm.AppendUint32(raw, uint32(len(code)))
	return append(raw, code...)
}

func TestTieredPromotion(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	id := testID()

	for i := uint64(1); i < DefaultBaselineThreshold; i++ {
		_, err := e.GetOrCompile(id, testBody)
		require.Error(t, err)
		require.True(t, errors.IsBelowThreshold(err))
	}

	// the boundary call itself compiles
	base, err := e.GetOrCompile(id, testBody)
	require.NoError(t, err)
	require.NotNil(t, base)
	require.Equal(t, uint64(1), e.Stats().BaselineCompilations)

	for i := uint64(DefaultBaselineThreshold) + 1; i < DefaultOptimizedThreshold; i++ {
		code, err := e.GetOrCompile(id, testBody)
		require.NoError(t, err)
		require.Same(t, base, code)
	}

	opt, err := e.GetOrCompile(id, testBody)
	require.NoError(t, err)
	require.NotSame(t, base, opt)

	st := e.Stats()
	require.Equal(t, uint64(1), st.BaselineCompilations)
	require.Equal(t, uint64(1), st.OptimizedCompilations)
	require.Zero(t, st.Deoptimizations)

	// tier never regresses
	code, err := e.GetOrCompile(id, testBody)
	require.NoError(t, err)
	require.Same(t, opt, code)
}

func TestBelowThresholdKeepsInterpreting(t *testing.T) {
	opts := DefaultOptions()
	opts.BaselineThreshold = 3
	e := newTestEngine(t, opts)
	id := testID()

	for i := 0; i < 2; i++ {
		code, err := e.GetOrCompile(id, testBody)
		require.Nil(t, code)
		require.True(t, errors.IsBelowThreshold(err))
	}
	code, err := e.GetOrCompile(id, testBody)
	require.NoError(t, err)
	require.NotNil(t, code)
}

func TestCacheHitIdempotence(t *testing.T) {
	opts := DefaultOptions()
	opts.BaselineThreshold = 1
	e := newTestEngine(t, opts)
	id := testID()

	first, err := e.GetOrCompile(id, testBody)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		code, err := e.GetOrCompile(id, testBody)
		require.NoError(t, err)
		require.Same(t, first, code)
	}

	st := e.Stats()
	require.Equal(t, uint64(1), st.BaselineCompilations)
	require.Equal(t, uint64(4), st.CacheHits)
	require.Equal(t, uint64(1), st.CacheMisses)
}

func TestInvalidatePreservesProfile(t *testing.T) {
	opts := DefaultOptions()
	opts.BaselineThreshold = 2
	opts.OptimizedThreshold = 4
	e := newTestEngine(t, opts)
	id := testID()

	for i := 0; i < 4; i++ {
		e.GetOrCompile(id, testBody)
	}
	require.Equal(t, uint64(1), e.Stats().OptimizedCompilations)

	e.Invalidate(id)
	require.Zero(t, e.CacheStats().Entries)

	// heat survives: the next call recompiles straight at optimized
	code, err := e.GetOrCompile(id, testBody)
	require.NoError(t, err)
	require.NotNil(t, code)
	require.Equal(t, uint64(2), e.Stats().OptimizedCompilations)
}

func TestBaselineDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.BaselineEnabled = false
	opts.BaselineThreshold = 1
	opts.OptimizedThreshold = 3
	e := newTestEngine(t, opts)
	id := testID()

	for i := 0; i < 2; i++ {
		_, err := e.GetOrCompile(id, testBody)
		require.True(t, errors.IsBelowThreshold(err))
	}
	code, err := e.GetOrCompile(id, testBody)
	require.NoError(t, err)
	require.NotNil(t, code)

	st := e.Stats()
	require.Zero(t, st.BaselineCompilations)
	require.Equal(t, uint64(1), st.OptimizedCompilations)
}

func TestOptimizedDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.OptimizedEnabled = false
	opts.BaselineThreshold = 1
	opts.OptimizedThreshold = 2
	e := newTestEngine(t, opts)
	id := testID()

	base, err := e.GetOrCompile(id, testBody)
	require.NoError(t, err)

	// past the optimized threshold the engine stays at baseline
	code, err := e.GetOrCompile(id, testBody)
	require.NoError(t, err)
	require.Same(t, base, code)
	require.Zero(t, e.Stats().OptimizedCompilations)
}

func TestCompileErrorNotCached(t *testing.T) {
	opts := DefaultOptions()
	opts.BaselineThreshold = 1
	e := newTestEngine(t, opts)
	id := testID()
	bad := []byte{0x00, 0xFE, 0x0B} // unsupported opcode

	for i := 0; i < 2; i++ {
		code, err := e.GetOrCompile(id, bad)
		require.Nil(t, code)
		require.Equal(t, errors.Translation, errors.KindOf(err))
	}

	st := e.Stats()
	require.Equal(t, uint64(2), st.CacheMisses)
	require.Zero(t, st.BaselineCompilations)
	require.Zero(t, e.CacheStats().Entries)
}

func TestAotCompile(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	raw := buildTestModule(
		[]byte{0x41, 0x01, 0x1A, 0x0B},
		[]byte{0x41, 0x02, 0x1A, 0x0B},
	)
	fns, err := e.AotCompile("demo", raw)
	require.NoError(t, err)
	require.Len(t, fns, 2)
	for _, mf := range fns {
		require.NotZero(t, mf.Code.Size())
		mf.Code.Release()
	}

	// the ahead-of-time path bypasses tiering and the code cache
	require.Zero(t, e.CacheStats().Entries)
	require.Equal(t, uint64(2), e.Stats().OptimizedCompilations)
}

func TestAotCompileAllOrNothing(t *testing.T) {
	e := newTestEngine(t, DefaultOptions())
	raw := buildTestModule(
		[]byte{0x41, 0x01, 0x1A, 0x0B},
		[]byte{0xFE, 0x0B},
	)
	fns, err := e.AotCompile("demo", raw)
	require.Error(t, err)
	require.Nil(t, fns)
	require.Zero(t, e.Stats().OptimizedCompilations)
}

func TestAotDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.AotEnabled = false
	e := newTestEngine(t, opts)

	fns, err := e.AotCompile("demo", buildTestModule([]byte{0x0B}))
	require.Nil(t, fns)
	require.True(t, errors.IsAotDisabled(err))
}

func TestPersistentCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.BaselineThreshold = 1
	opts.OptimizedThreshold = 1
	opts.PersistDir = dir
	id := testID()

	warm := newTestEngine(t, opts)
	first, err := warm.GetOrCompile(id, testBody)
	require.NoError(t, err)
	require.Equal(t, uint64(1), warm.Stats().OptimizedCompilations)

	// a fresh engine over the same directory loads rather than compiles
	cold := newTestEngine(t, opts)
	code, err := cold.GetOrCompile(id, testBody)
	require.NoError(t, err)
	require.Equal(t, first.Bytes(), code.Bytes())
	require.Zero(t, cold.Stats().OptimizedCompilations)
	require.Zero(t, cold.Stats().GeneratedBytes)
}

func TestPersistentCacheKeyedByBytecode(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.BaselineThreshold = 1
	opts.OptimizedThreshold = 1
	opts.PersistDir = dir
	id := testID()

	warm := newTestEngine(t, opts)
	_, err := warm.GetOrCompile(id, testBody)
	require.NoError(t, err)

	// same function id with different bytecode misses the file cache
	cold := newTestEngine(t, opts)
	_, err = cold.GetOrCompile(id, []byte{0x00, 0x41, 0x07, 0x1A, 0x0B})
	require.NoError(t, err)
	require.Equal(t, uint64(1), cold.Stats().OptimizedCompilations)
}

func TestConcurrentGetOrCompile(t *testing.T) {
	opts := DefaultOptions()
	opts.BaselineThreshold = 1
	e := newTestEngine(t, opts)
	id := testID()

	const workers = 8
	codes := make([]*codegen.NativeCode, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i], errs[i] = e.GetOrCompile(id, testBody)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Same(t, codes[0], codes[i])
	}
	require.Equal(t, 1, e.CacheStats().Entries)
	require.Equal(t, uint64(1), e.Stats().BaselineCompilations)
}

func TestEvictionKeepsHeldCode(t *testing.T) {
	opts := DefaultOptions()
	opts.BaselineThreshold = 1
	opts.MaxCacheSize = 40 // fits one compiled testBody blob, not two
	e := newTestEngine(t, opts)

	code1, err := e.GetOrCompile(wasm.FunctionID{Module: "m", Index: 1}, testBody)
	require.NoError(t, err)
	held := append([]byte(nil), code1.Bytes()...)

	_, err = e.GetOrCompile(wasm.FunctionID{Module: "m", Index: 2}, testBody)
	require.NoError(t, err)
	require.Equal(t, 1, e.CacheStats().Entries)

	// eviction dropped only the cache's reference; ours is still good
	require.NotNil(t, code1.Bytes())
	require.Equal(t, held, code1.Bytes())
	code1.Release()
}

func TestInvalidateKeepsHeldCode(t *testing.T) {
	opts := DefaultOptions()
	opts.BaselineThreshold = 1
	e := newTestEngine(t, opts)
	id := testID()

	code, err := e.GetOrCompile(id, testBody)
	require.NoError(t, err)
	e.Invalidate(id)
	require.NotNil(t, code.Bytes())
	code.Release()
}

func TestCompileParsesLocalsVector(t *testing.T) {
	opts := DefaultOptions()
	opts.BaselineThreshold = 1
	e := newTestEngine(t, opts)
	id := testID()

	// one group of one i32 local; i32.const 42; local.set 0; end
	body := []byte{0x01, 0x01, 0x7F, 0x41, 0x2A, 0x21, 0x00, 0x0B}
	code, err := e.GetOrCompile(id, body)
	require.NoError(t, err)

	// lowering agrees with the module-parser path for the same entry
	want, err := compiler.NewPipeline(codegen.NewBackend(nil)).CompileBaseline(&wasm.Function{
		ID:     id,
		Locals: []wasm.ValueType{wasm.ValueTypeI32},
		Body:   []byte{0x41, 0x2A, 0x21, 0x00, 0x0B},
	})
	require.NoError(t, err)
	require.Equal(t, want.Bytes(), code.Bytes())
}

func TestAotCompileUsesRecordedProfile(t *testing.T) {
	raw := buildTestModule(
		[]byte{0x10, 0x01, 0x0B}, // call 1; end
		[]byte{0x41, 0x2A, 0x0B}, // i32.const 42; end
	)

	cold := newTestEngine(t, DefaultOptions())
	coldFns, err := cold.AotCompile("demo", raw)
	require.NoError(t, err)

	// heat function 0 past the inlining threshold, then recompile
	hot := newTestEngine(t, DefaultOptions())
	caller := wasm.FunctionID{Module: "demo", Index: 0}
	for i := uint64(0); i <= DefaultOptimizedThreshold; i++ {
		hot.Profile().RecordAndTier(caller)
	}
	hotFns, err := hot.AotCompile("demo", raw)
	require.NoError(t, err)

	// the hot caller's call site is inlined away, leaving the callee's
	// body, so its blob now matches the callee's
	require.NotEqual(t, coldFns[0].Code.Bytes(), hotFns[0].Code.Bytes())
	require.Equal(t, hotFns[1].Code.Bytes(), hotFns[0].Code.Bytes())
}

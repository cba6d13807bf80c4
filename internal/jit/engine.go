// internal/jit/engine.go

// Package jit is the tiered compilation engine: it owns the code
// cache, the profile tracker, and the compiler pipeline, and decides
// per function when execution moves from the interpreter to baseline
// native code and on to optimized native code.
package jit

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"wasmjit/internal/codecache"
	"wasmjit/internal/codegen"
	"wasmjit/internal/compiler"
	"wasmjit/internal/errors"
	"wasmjit/internal/profile"
	"wasmjit/internal/wasm"
)

// Engine is the single entry point the surrounding runtime calls. It
// is constructed once and shared by every execution thread; there is
// no process-global engine state.
type Engine struct {
	opts     Options
	log      *zap.Logger
	profiles *profile.Tracker
	cache    *codecache.Cache
	pipeline *compiler.Pipeline
	files    *codecache.FileCache
	flight   singleflight.Group
	stats    engineStats
}

// NewEngine builds an engine from opts, lowering through gen. A nil
// gen selects the default backend.
func NewEngine(opts Options, gen codegen.Generator) (*Engine, error) {
	if gen == nil {
		gen = codegen.NewBackend(nil)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		opts:     opts,
		log:      log,
		profiles: profile.NewTracker(opts.BaselineThreshold, opts.OptimizedThreshold),
		cache:    codecache.New(opts.MaxCacheSize),
		pipeline: compiler.NewPipeline(gen),
	}
	if opts.PersistDir != "" {
		files, err := codecache.NewFileCache(opts.PersistDir)
		if err != nil {
			return nil, err
		}
		e.files = files
	}
	return e, nil
}

// capTier clamps a profile decision to the tiers enabled in options.
func (e *Engine) capTier(t profile.Tier) profile.Tier {
	if t == profile.TierOptimized && !e.opts.OptimizedEnabled {
		t = profile.TierBaseline
	}
	if t == profile.TierBaseline && !e.opts.BaselineEnabled {
		t = profile.TierInterpreter
	}
	return t
}

// GetOrCompile returns native code for id, compiling it if the
// function's heat warrants a tier the cache does not yet hold.
// wasmBytes is the function's code-section entry: the locals vector
// followed by the instruction stream. Every invocation counts as one
// call in the profile, so cached functions keep accumulating heat
// toward the next tier. The returned blob carries a reference owned
// by the caller, who must Release it when the execution no longer
// needs the code; eviction and invalidation only drop the cache's own
// reference. A BelowThreshold error means "keep interpreting"; compile
// errors mean the same thing to the caller and are never cached.
func (e *Engine) GetOrCompile(id wasm.FunctionID, wasmBytes []byte) (*codegen.NativeCode, error) {
	tier := e.capTier(e.profiles.RecordAndTier(id))

	if code, cachedTier, ok := e.cache.Get(id); ok {
		if tier <= cachedTier {
			e.stats.cacheHits.Add(1)
			return code, nil
		}
		// The profile just crossed the next threshold: recompile at
		// the higher tier, replacing the stale entry.
		code.Release()
	}
	e.stats.cacheMisses.Add(1)

	if tier == profile.TierInterpreter {
		return nil, errors.New(errors.BelowThreshold, "")
	}

	// The reference produced inside the flight belongs to the thread
	// that ran it; mine distinguishes that thread from the ones that
	// merely shared the result.
	var mine *codegen.NativeCode
	key := fmt.Sprintf("%s@%d", id, tier)
	v, err, _ := e.flight.Do(key, func() (interface{}, error) {
		// Another thread may have finished this exact compile while
		// we queued behind it.
		if code, cachedTier, ok := e.cache.Get(id); ok {
			if tier <= cachedTier {
				mine = code
				return code, nil
			}
			code.Release()
		}
		code, err := e.compile(id, wasmBytes, tier)
		if err != nil {
			return nil, err
		}
		mine = code
		return code, nil
	})
	if err != nil {
		return nil, err
	}
	if code := v.(*codegen.NativeCode); code == mine {
		return code, nil
	}
	// Shared flight result: take a reference of our own.
	if code, cachedTier, ok := e.cache.Get(id); ok {
		if tier <= cachedTier {
			return code, nil
		}
		code.Release()
	}
	return e.compile(id, wasmBytes, tier)
}

func (e *Engine) compile(id wasm.FunctionID, wasmBytes []byte, tier profile.Tier) (*codegen.NativeCode, error) {
	locals, instrs, err := wasm.ParseFunctionBody(wasmBytes)
	if err != nil {
		return nil, errors.Wrap(errors.InvalidModule, err, "function body").WithFunction(id.String())
	}
	fn := &wasm.Function{ID: id, Locals: locals, Body: instrs}

	if tier == profile.TierOptimized {
		if code, ok := e.loadPersisted(id, wasmBytes); ok {
			e.insert(id, code.Retain(), tier)
			return code, nil
		}
	}

	start := time.Now()
	var code *codegen.NativeCode
	switch tier {
	case profile.TierBaseline:
		code, err = e.pipeline.CompileBaseline(fn)
	case profile.TierOptimized:
		code, err = e.pipeline.CompileOptimized(fn, e.profiles.Get(id), nil)
	default:
		return nil, errors.New(errors.BelowThreshold, "")
	}
	if err != nil {
		e.log.Debug("compilation failed",
			zap.Stringer("function", id),
			zap.Stringer("tier", tier),
			zap.Error(err))
		return nil, err
	}
	elapsed := time.Since(start)

	e.stats.recordCompile(tier == profile.TierOptimized, code.Size(), elapsed)
	e.log.Debug("compiled function",
		zap.Stringer("function", id),
		zap.Stringer("tier", tier),
		zap.Int("bytes", code.Size()),
		zap.Duration("elapsed", elapsed))

	e.insert(id, code.Retain(), tier)
	if tier == profile.TierOptimized {
		e.persist(id, wasmBytes, code)
	}
	return code, nil
}

func (e *Engine) insert(id wasm.FunctionID, code *codegen.NativeCode, tier profile.Tier) {
	evicted := e.cache.Insert(id, codecache.Entry{Code: code, Tier: tier})
	for _, victim := range evicted {
		e.log.Debug("evicted from code cache", zap.Stringer("function", victim))
	}
}

func (e *Engine) loadPersisted(id wasm.FunctionID, wasmBytes []byte) (*codegen.NativeCode, bool) {
	if e.files == nil {
		return nil, false
	}
	key := codecache.KeyOf(id, profile.TierOptimized, wasmBytes)
	blob, ok, err := e.files.Get(key)
	if err != nil || !ok {
		if err != nil {
			e.log.Warn("persistent cache read failed", zap.Stringer("function", id), zap.Error(err))
		}
		return nil, false
	}
	e.log.Debug("persistent cache hit", zap.Stringer("function", id))
	return codegen.NewNativeCode(blob, nil), true
}

func (e *Engine) persist(id wasm.FunctionID, wasmBytes []byte, code *codegen.NativeCode) {
	if e.files == nil {
		return
	}
	key := codecache.KeyOf(id, profile.TierOptimized, wasmBytes)
	if err := e.files.Add(key, code.Bytes()); err != nil {
		e.log.Warn("persistent cache write failed", zap.Stringer("function", id), zap.Error(err))
	}
}

// Invalidate drops id's cache entry. The profile survives, so a hot
// function recompiles at its reached tier on the next qualifying call
// instead of restarting from the interpreter.
func (e *Engine) Invalidate(id wasm.FunctionID) {
	if e.cache.Remove(id) {
		e.log.Debug("invalidated", zap.Stringer("function", id))
	}
}

// AotCompile compiles every function of a module at optimized
// fidelity, bypassing tiering and the on-demand cache. All or
// nothing: one failing function fails the module.
func (e *Engine) AotCompile(moduleID string, raw []byte) ([]compiler.ModuleFunc, error) {
	if !e.opts.AotEnabled {
		return nil, errors.New(errors.AotDisabled, moduleID)
	}
	start := time.Now()
	fns, err := e.pipeline.CompileModule(moduleID, raw, e.profiles.Get)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	var total int
	for _, mf := range fns {
		total += mf.Code.Size()
		if e.files != nil {
			id := wasm.FunctionID{Module: moduleID, Index: mf.Index}
			key := codecache.KeyOf(id, profile.TierOptimized, raw)
			if err := e.files.Add(key, mf.Code.Bytes()); err != nil {
				e.log.Warn("persistent cache write failed", zap.Stringer("function", id), zap.Error(err))
			}
		}
	}
	e.stats.optimizedCompilations.Add(uint64(len(fns)))
	e.stats.generatedBytes.Add(uint64(total))
	e.stats.compileTimeNs.Add(uint64(elapsed.Nanoseconds()))
	e.log.Debug("aot compiled module",
		zap.String("module", moduleID),
		zap.Int("functions", len(fns)),
		zap.Int("bytes", total),
		zap.Duration("elapsed", elapsed))
	return fns, nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// CacheStats returns code cache occupancy.
func (e *Engine) CacheStats() codecache.Stats {
	return e.cache.Stats()
}

// Profile exposes the tracker so the interpreter can feed call-site
// and loop counters into optimized compilation.
func (e *Engine) Profile() *profile.Tracker {
	return e.profiles
}

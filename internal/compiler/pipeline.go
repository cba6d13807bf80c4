// internal/compiler/pipeline.go

// Package compiler orchestrates the translation pipeline: bytecode is
// translated to IR, optionally optimized under profile guidance, and
// lowered through the code generator at the requested fidelity.
package compiler

import (
	"wasmjit/internal/codegen"
	"wasmjit/internal/errors"
	"wasmjit/internal/ir"
	"wasmjit/internal/profile"
	"wasmjit/internal/wasm"
)

// CalleeResolver maps a function index to its translated IR, for the
// inlining pass. The single-function path has no module context and
// passes nil.
type CalleeResolver func(idx uint32) (*ir.Function, bool)

// ModuleFunc is one function's output on the ahead-of-time path.
type ModuleFunc struct {
	Index uint32
	Code  *codegen.NativeCode
}

// Pipeline compiles single functions on demand and whole modules
// ahead of time. The translator is constructed once here and shared:
// it keeps no per-function state.
type Pipeline struct {
	translator *ir.Translator
	gen        codegen.Generator
	passes     []Pass
}

// NewPipeline creates a pipeline lowering through gen.
func NewPipeline(gen codegen.Generator) *Pipeline {
	return &Pipeline{
		translator: ir.NewTranslator(),
		gen:        gen,
		passes:     DefaultPasses(),
	}
}

// CompileBaseline translates fn in a single pass and lowers it at
// baseline fidelity. No optimization, no cross-function analysis.
func (p *Pipeline) CompileBaseline(fn *wasm.Function) (*codegen.NativeCode, error) {
	irFn, err := p.translator.Translate(fn)
	if err != nil {
		return nil, err
	}
	code, err := p.gen.GenerateBaseline(irFn)
	if err != nil {
		return nil, wrapCodeGen(err, fn.ID)
	}
	return code, nil
}

// CompileOptimized translates fn, runs the optimization passes in
// their fixed order under the guidance of prof, and lowers the result
// at optimized fidelity. callees may be nil, which disables inlining.
func (p *Pipeline) CompileOptimized(fn *wasm.Function, prof *profile.Data, callees CalleeResolver) (*codegen.NativeCode, error) {
	irFn, err := p.translator.Translate(fn)
	if err != nil {
		return nil, err
	}
	irFn = p.optimize(irFn, prof, callees)
	code, err := p.gen.GenerateOptimized(irFn)
	if err != nil {
		return nil, wrapCodeGen(err, fn.ID)
	}
	return code, nil
}

func (p *Pipeline) optimize(fn *ir.Function, prof *profile.Data, callees CalleeResolver) *ir.Function {
	ctx := &PassContext{Profile: prof, Callees: callees}
	for _, pass := range p.passes {
		fn = pass.Run(fn, ctx)
	}
	return fn
}

// CompileModule parses a whole module and compiles every function in
// its code section at optimized fidelity. profiles resolves recorded
// heat per function (nil, or a nil result, leaves the profile-guided
// passes conservative); a module that already ran under the tiered
// path gets its hot call sites inlined here. The result is all or
// nothing: any translation or lowering failure fails the module.
func (p *Pipeline) CompileModule(moduleID string, raw []byte, profiles func(wasm.FunctionID) *profile.Data) ([]ModuleFunc, error) {
	m, err := wasm.ParseModule(moduleID, raw)
	if err != nil {
		return nil, err
	}

	sigs := func(idx uint32) (*wasm.FunctionType, bool) {
		if int(idx) < len(m.Functions) {
			fn := m.Functions[idx]
			return &wasm.FunctionType{Params: fn.Params, Results: fn.Results}, true
		}
		return nil, false
	}
	translator := p.translator.WithSignatures(sigs)

	// Translate everything first so the inliner can see callee bodies.
	irFns := make([]*ir.Function, len(m.Functions))
	for i, fn := range m.Functions {
		irFn, err := translator.Translate(fn)
		if err != nil {
			return nil, err
		}
		irFns[i] = irFn
	}
	callees := func(idx uint32) (*ir.Function, bool) {
		if int(idx) < len(irFns) {
			return irFns[idx], true
		}
		return nil, false
	}

	out := make([]ModuleFunc, 0, len(irFns))
	for i, irFn := range irFns {
		var prof *profile.Data
		if profiles != nil {
			prof = profiles(m.Functions[i].ID)
		}
		optimized := p.optimize(irFn, prof, callees)
		code, err := p.gen.GenerateOptimized(optimized)
		if err != nil {
			for _, mf := range out {
				mf.Code.Release()
			}
			return nil, wrapCodeGen(err, m.Functions[i].ID)
		}
		out = append(out, ModuleFunc{Index: uint32(i), Code: code})
	}
	return out, nil
}

func wrapCodeGen(err error, id wasm.FunctionID) error {
	if errors.KindOf(err) != "" {
		return err
	}
	return errors.Wrap(errors.CodeGen, err, "backend lowering").WithFunction(id.String())
}

// internal/compiler/passes.go
package compiler

import (
	"math"

	"wasmjit/internal/ir"
	"wasmjit/internal/profile"
)

// Optimization thresholds.
const (
	inlineCallThreshold = 10000 // call-site heat before inlining pays
	inlineMaxInstrs     = 10    // callees this size or larger stay out of line
	hotLoopIterations   = 1000  // loop iterations before unrolling pays
	unrollFactor        = 4
	unrollMaxBody       = 16
)

// PassContext carries the optimizer's inputs: the function's profile
// (nil when none exists, e.g. on the ahead-of-time path) and the
// callee resolver (nil outside whole-module compilation).
type PassContext struct {
	Profile *profile.Data
	Callees CalleeResolver
}

// Pass is one IR-to-IR transform. Passes must preserve the stack
// model; a pass that finds nothing to do returns its input unchanged.
type Pass interface {
	Name() string
	Run(fn *ir.Function, ctx *PassContext) *ir.Function
}

// DefaultPasses returns the optimization pipeline in its fixed order.
func DefaultPasses() []Pass {
	return []Pass{
		inlinePass{},
		unrollPass{},
		constFoldPass{},
		dcePass{},
		csePass{},
	}
}

// ---------------------------------------------------------------------------
// Inlining

type inlinePass struct{}

func (inlinePass) Name() string { return "inline" }

// Run splices the bodies of small, straight-line callees into hot
// call sites. Only leaf callees with no parameters, no locals, and no
// control flow qualify; their body contributes exactly its stack
// effect, so splicing in place of the call is sound.
func (inlinePass) Run(fn *ir.Function, ctx *PassContext) *ir.Function {
	if ctx.Callees == nil || ctx.Profile == nil {
		return fn
	}
	var out []ir.Instr
	changed := false
	for i, in := range fn.Body {
		if in.Op != ir.OpCall || !siteIsHot(ctx.Profile, uint32(i)) {
			if out != nil {
				out = append(out, in)
			}
			continue
		}
		callee, ok := ctx.Callees(in.Arg)
		if !ok || !inlinable(callee) {
			if out != nil {
				out = append(out, in)
			}
			continue
		}
		if out == nil {
			out = append([]ir.Instr(nil), fn.Body[:i]...)
		}
		out = append(out, calleeBody(callee)...)
		changed = true
	}
	if !changed {
		return fn
	}
	clone := *fn
	clone.Body = out
	return &clone
}

func siteIsHot(prof *profile.Data, site uint32) bool {
	if prof.CallSites != nil {
		return prof.CallSites[site] > inlineCallThreshold
	}
	return prof.CallCount > inlineCallThreshold
}

func inlinable(callee *ir.Function) bool {
	if callee == nil || len(callee.Body) >= inlineMaxInstrs {
		return false
	}
	if len(callee.Params) > 0 || len(callee.Locals) > 0 || len(callee.Results) > 1 {
		return false
	}
	for _, in := range calleeBody(callee) {
		switch in.Op {
		case ir.OpBlock, ir.OpLoop, ir.OpIf, ir.OpElse, ir.OpEnd,
			ir.OpBr, ir.OpBrIf, ir.OpReturn, ir.OpCall, ir.OpUnreachable:
			return false
		}
	}
	return true
}

// calleeBody strips the trailing end (and a return immediately before
// it) from a callee's body, leaving the instructions to splice.
func calleeBody(callee *ir.Function) []ir.Instr {
	body := callee.Body
	if n := len(body); n > 0 && body[n-1].Op == ir.OpEnd {
		body = body[:n-1]
	}
	if n := len(body); n > 0 && body[n-1].Op == ir.OpReturn {
		body = body[:n-1]
	}
	return body
}

// ---------------------------------------------------------------------------
// Loop unrolling

type unrollPass struct{}

func (unrollPass) Name() string { return "unroll" }

// Run unrolls hot while-shaped loops: a loop directly inside a block,
// whose body is straight-line code computing the continue condition
// for a single trailing br_if back to the header. Each unrolled copy
// but the last exits through the enclosing block when the condition
// fails; the last keeps the backedge.
func (unrollPass) Run(fn *ir.Function, ctx *PassContext) *ir.Function {
	if ctx.Profile == nil || len(ctx.Profile.LoopHeads) == 0 {
		return fn
	}
	body := fn.Body
	for i := 0; i < len(body); i++ {
		if body[i].Op != ir.OpLoop || i == 0 || body[i-1].Op != ir.OpBlock {
			continue
		}
		if ctx.Profile.LoopHeads[uint32(i)] < hotLoopIterations {
			continue
		}
		end := matchingEnd(body, i)
		if end < 0 || end+1 >= len(body) || body[end+1].Op != ir.OpEnd {
			continue // loop end must be directly followed by the block end
		}
		seg := body[i+1 : end]
		if !unrollable(seg) {
			continue
		}
		inner := seg[:len(seg)-1] // strip the trailing br_if 0

		var unrolled []ir.Instr
		for k := 0; k < unrollFactor-1; k++ {
			unrolled = append(unrolled, inner...)
			unrolled = append(unrolled,
				ir.Instr{Op: ir.OpEqz, Type: ir.TypeI32},
				ir.Instr{Op: ir.OpBrIf, Arg: 1})
		}
		unrolled = append(unrolled, seg...)

		out := append([]ir.Instr(nil), body[:i+1]...)
		out = append(out, unrolled...)
		out = append(out, body[end:]...)
		clone := *fn
		clone.Body = out
		return &clone // one loop per run keeps indices coherent
	}
	return fn
}

func matchingEnd(body []ir.Instr, start int) int {
	depth := 0
	for i := start; i < len(body); i++ {
		switch body[i].Op {
		case ir.OpBlock, ir.OpLoop, ir.OpIf:
			depth++
		case ir.OpEnd:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// unrollable accepts straight-line loop bodies that end with the
// backedge br_if 0 and have a net stack effect of exactly the one
// condition value that br_if consumes.
func unrollable(seg []ir.Instr) bool {
	if len(seg) < 2 || len(seg) > unrollMaxBody {
		return false
	}
	last := seg[len(seg)-1]
	if last.Op != ir.OpBrIf || last.Arg != 0 {
		return false
	}
	net := 0
	for _, in := range seg[:len(seg)-1] {
		pops, pushes, ok := stackEffect(in.Op)
		if !ok {
			return false
		}
		net += pushes - pops
	}
	return net == 1
}

// stackEffect returns pops and pushes for straight-line ops; ok=false
// for control flow and calls, whose effect is not context-free.
func stackEffect(op ir.Op) (pops, pushes int, ok bool) {
	switch op {
	case ir.OpNop:
		return 0, 0, true
	case ir.OpConst, ir.OpLocalGet, ir.OpGlobalGet:
		return 0, 1, true
	case ir.OpLocalSet, ir.OpGlobalSet, ir.OpDrop:
		return 1, 0, true
	case ir.OpLocalTee, ir.OpEqz, ir.OpLoad:
		return 1, 1, true
	case ir.OpStore:
		return 2, 0, true
	case ir.OpSelect:
		return 3, 1, true
	}
	if op.IsBinary() {
		return 2, 1, true
	}
	return 0, 0, false
}

// ---------------------------------------------------------------------------
// Constant folding / propagation

type constFoldPass struct{}

func (constFoldPass) Name() string { return "constfold" }

// Run folds const/const/op triples (and const/eqz pairs) to a single
// const, repeating until nothing folds.
func (constFoldPass) Run(fn *ir.Function, ctx *PassContext) *ir.Function {
	body := fn.Body
	changed := false
	for {
		folded, any := foldOnce(body)
		if !any {
			break
		}
		body = folded
		changed = true
	}
	if !changed {
		return fn
	}
	clone := *fn
	clone.Body = body
	return &clone
}

func foldOnce(body []ir.Instr) ([]ir.Instr, bool) {
	out := make([]ir.Instr, 0, len(body))
	any := false
	for i := 0; i < len(body); i++ {
		in := body[i]
		n := len(out)
		if in.Op == ir.OpEqz && n >= 1 && out[n-1].Op == ir.OpConst && out[n-1].Type == in.Type {
			var v uint64
			if out[n-1].Imm == 0 {
				v = 1
			}
			out[n-1] = ir.Instr{Op: ir.OpConst, Type: ir.TypeI32, Imm: v}
			any = true
			continue
		}
		if in.Op.IsBinary() && n >= 2 &&
			out[n-1].Op == ir.OpConst && out[n-2].Op == ir.OpConst &&
			out[n-1].Type == in.Type && out[n-2].Type == in.Type {
			if folded, ok := foldBinary(in, out[n-2].Imm, out[n-1].Imm); ok {
				out = out[:n-2]
				out = append(out, folded)
				any = true
				continue
			}
		}
		out = append(out, in)
	}
	return out, any
}

func foldBinary(in ir.Instr, a, b uint64) (ir.Instr, bool) {
	switch in.Type {
	case ir.TypeI32:
		if v, ok := foldInt(in.Op, int64(int32(a)), int64(int32(b)), 31); ok {
			return constOf(in.Op, ir.TypeI32, uint64(uint32(v))), true
		}
	case ir.TypeI64:
		if v, ok := foldInt(in.Op, int64(a), int64(b), 63); ok {
			return constOf(in.Op, ir.TypeI64, uint64(v)), true
		}
	case ir.TypeF64:
		if v, ok := foldFloat(in.Op, math.Float64frombits(a), math.Float64frombits(b)); ok {
			if isCompare(in.Op) {
				return ir.Instr{Op: ir.OpConst, Type: ir.TypeI32, Imm: uint64(int64(v))}, true
			}
			return ir.Instr{Op: ir.OpConst, Type: ir.TypeF64, Imm: math.Float64bits(v)}, true
		}
	}
	return ir.Instr{}, false
}

// constOf types the folded constant: comparisons produce i32
// regardless of operand type.
func constOf(op ir.Op, t ir.Type, bits uint64) ir.Instr {
	if isCompare(op) {
		if bits != 0 {
			bits = 1
		}
		return ir.Instr{Op: ir.OpConst, Type: ir.TypeI32, Imm: bits}
	}
	return ir.Instr{Op: ir.OpConst, Type: t, Imm: bits}
}

func isCompare(op ir.Op) bool {
	switch op {
	case ir.OpEq, ir.OpNe, ir.OpLtS, ir.OpGtS, ir.OpLeS, ir.OpGeS:
		return true
	}
	return false
}

func foldInt(op ir.Op, a, b int64, shiftMask uint64) (int64, bool) {
	switch op {
	case ir.OpAdd:
		return a + b, true
	case ir.OpSub:
		return a - b, true
	case ir.OpMul:
		return a * b, true
	case ir.OpDivS:
		if b == 0 || (a == math.MinInt64 && b == -1) {
			return 0, false // traps at run time, leave it alone
		}
		return a / b, true
	case ir.OpAnd:
		return a & b, true
	case ir.OpOr:
		return a | b, true
	case ir.OpXor:
		return a ^ b, true
	case ir.OpShl:
		return a << (uint64(b) & shiftMask), true
	case ir.OpShrS:
		return a >> (uint64(b) & shiftMask), true
	case ir.OpEq:
		return boolToInt(a == b), true
	case ir.OpNe:
		return boolToInt(a != b), true
	case ir.OpLtS:
		return boolToInt(a < b), true
	case ir.OpGtS:
		return boolToInt(a > b), true
	case ir.OpLeS:
		return boolToInt(a <= b), true
	case ir.OpGeS:
		return boolToInt(a >= b), true
	}
	return 0, false
}

func foldFloat(op ir.Op, a, b float64) (float64, bool) {
	switch op {
	case ir.OpAdd:
		return a + b, true
	case ir.OpSub:
		return a - b, true
	case ir.OpMul:
		return a * b, true
	case ir.OpDivS:
		return a / b, true
	case ir.OpEq:
		return float64(boolToInt(a == b)), true
	case ir.OpNe:
		return float64(boolToInt(a != b)), true
	case ir.OpLtS:
		return float64(boolToInt(a < b)), true
	case ir.OpGtS:
		return float64(boolToInt(a > b)), true
	case ir.OpLeS:
		return float64(boolToInt(a <= b)), true
	case ir.OpGeS:
		return float64(boolToInt(a >= b)), true
	}
	return 0, false
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Dead-code elimination

type dcePass struct{}

func (dcePass) Name() string { return "dce" }

// Run removes code made unreachable by return, unreachable, or br up
// to the end of the enclosing block, and drops pure-producer/drop
// pairs.
func (dcePass) Run(fn *ir.Function, ctx *PassContext) *ir.Function {
	out := make([]ir.Instr, 0, len(fn.Body))
	changed := false
	skipDepth := -1 // >= 0 while discarding dead code
	for _, in := range fn.Body {
		if skipDepth >= 0 {
			switch in.Op {
			case ir.OpBlock, ir.OpLoop, ir.OpIf:
				skipDepth++
			case ir.OpElse:
				if skipDepth == 0 {
					skipDepth = -1 // the other arm is live
					out = append(out, in)
					continue
				}
			case ir.OpEnd:
				if skipDepth == 0 {
					skipDepth = -1
					out = append(out, in)
					continue
				}
				skipDepth--
			}
			changed = true
			continue
		}

		if in.Op == ir.OpDrop && len(out) > 0 && out[len(out)-1].Op.IsPure() {
			out = out[:len(out)-1]
			changed = true
			continue
		}
		out = append(out, in)
		switch in.Op {
		case ir.OpReturn, ir.OpUnreachable, ir.OpBr:
			skipDepth = 0
		}
	}
	if !changed {
		return fn
	}
	clone := *fn
	clone.Body = out
	return &clone
}

// ---------------------------------------------------------------------------
// Common-subexpression elimination

type csePass struct{}

func (csePass) Name() string { return "cse" }

// Run rewrites local traffic that recomputes a value already at hand:
// a set immediately followed by a get of the same local becomes a
// tee, and a get immediately followed by a set of the same local (a
// self-assignment) disappears.
func (csePass) Run(fn *ir.Function, ctx *PassContext) *ir.Function {
	out := make([]ir.Instr, 0, len(fn.Body))
	changed := false
	for _, in := range fn.Body {
		n := len(out)
		if in.Op == ir.OpLocalGet && n > 0 &&
			out[n-1].Op == ir.OpLocalSet && out[n-1].Arg == in.Arg {
			out[n-1].Op = ir.OpLocalTee
			changed = true
			continue
		}
		if in.Op == ir.OpLocalSet && n > 0 &&
			out[n-1].Op == ir.OpLocalGet && out[n-1].Arg == in.Arg {
			out = out[:n-1]
			changed = true
			continue
		}
		out = append(out, in)
	}
	if !changed {
		return fn
	}
	clone := *fn
	clone.Body = out
	return &clone
}

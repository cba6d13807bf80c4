// internal/ir/ir.go

// Package ir defines the typed intermediate form produced by
// translation and consumed by code generation. Instructions keep the
// structured-stack shape of the source bytecode: every op has a
// statically known number of operands popped and results pushed, and
// each value-producing instruction is annotated with its result type.
package ir

import (
	"fmt"
	"strings"

	"wasmjit/internal/wasm"
)

// Type is an IR value type.
type Type uint8

const (
	TypeVoid Type = iota
	TypeI32
	TypeI64
	TypeF32
	TypeF64
)

func (t Type) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// TypeOf maps a wire value type to an IR type.
func TypeOf(v wasm.ValueType) Type {
	switch v {
	case wasm.ValueTypeI32:
		return TypeI32
	case wasm.ValueTypeI64:
		return TypeI64
	case wasm.ValueTypeF32:
		return TypeF32
	case wasm.ValueTypeF64:
		return TypeF64
	default:
		return TypeVoid
	}
}

// Op is an IR opcode.
type Op uint8

const (
	OpNop Op = iota
	OpUnreachable
	OpBlock
	OpLoop
	OpIf
	OpElse
	OpEnd
	OpBr
	OpBrIf
	OpReturn
	OpCall
	OpDrop
	OpSelect
	OpLocalGet
	OpLocalSet
	OpLocalTee
	OpGlobalGet
	OpGlobalSet
	OpLoad
	OpStore
	OpConst
	OpEqz
	OpEq
	OpNe
	OpLtS
	OpGtS
	OpLeS
	OpGeS
	OpAdd
	OpSub
	OpMul
	OpDivS
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShrS
)

var opNames = map[Op]string{
	OpNop:         "nop",
	OpUnreachable: "unreachable",
	OpBlock:       "block",
	OpLoop:        "loop",
	OpIf:          "if",
	OpElse:        "else",
	OpEnd:         "end",
	OpBr:          "br",
	OpBrIf:        "br_if",
	OpReturn:      "return",
	OpCall:        "call",
	OpDrop:        "drop",
	OpSelect:      "select",
	OpLocalGet:    "local.get",
	OpLocalSet:    "local.set",
	OpLocalTee:    "local.tee",
	OpGlobalGet:   "global.get",
	OpGlobalSet:   "global.set",
	OpLoad:        "load",
	OpStore:       "store",
	OpConst:       "const",
	OpEqz:         "eqz",
	OpEq:          "eq",
	OpNe:          "ne",
	OpLtS:         "lt_s",
	OpGtS:         "gt_s",
	OpLeS:         "le_s",
	OpGeS:         "ge_s",
	OpAdd:         "add",
	OpSub:         "sub",
	OpMul:         "mul",
	OpDivS:        "div_s",
	OpAnd:         "and",
	OpOr:          "or",
	OpXor:         "xor",
	OpShl:         "shl",
	OpShrS:        "shr_s",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// IsBinary reports whether op pops two values and pushes one.
func (op Op) IsBinary() bool {
	switch op {
	case OpEq, OpNe, OpLtS, OpGtS, OpLeS, OpGeS,
		OpAdd, OpSub, OpMul, OpDivS, OpAnd, OpOr, OpXor, OpShl, OpShrS:
		return true
	}
	return false
}

// IsPure reports whether op has no side effects and no control-flow
// significance, so instances producing unused values may be removed.
func (op Op) IsPure() bool {
	switch op {
	case OpConst, OpLocalGet, OpGlobalGet:
		return true
	}
	return false
}

// Instr is one IR instruction. Type is the result type for
// value-producing ops and the operand type for typed consumers
// (compares, stores). Imm carries the raw bits of a constant; Arg
// carries an index immediate (local, global, callee, branch depth,
// memory offset).
type Instr struct {
	Op   Op
	Type Type
	Imm  uint64
	Arg  uint32
}

func (in Instr) String() string {
	switch in.Op {
	case OpConst:
		return fmt.Sprintf("%s.const %d", in.Type, int64(in.Imm))
	case OpLocalGet, OpLocalSet, OpLocalTee, OpGlobalGet, OpGlobalSet, OpCall, OpBr, OpBrIf:
		return fmt.Sprintf("%s %d", in.Op, in.Arg)
	case OpLoad, OpStore:
		return fmt.Sprintf("%s.%s offset=%d", in.Type, in.Op, in.Arg)
	default:
		if in.Type != TypeVoid {
			return fmt.Sprintf("%s.%s", in.Type, in.Op)
		}
		return in.Op.String()
	}
}

// Function is the IR for one translated function.
type Function struct {
	ID      wasm.FunctionID
	Params  []Type
	Results []Type
	Locals  []Type
	Body    []Instr
}

// NumLocals returns the size of the combined parameter+local index
// space.
func (f *Function) NumLocals() int {
	return len(f.Params) + len(f.Locals)
}

// LocalType returns the type of the local at index i, TypeVoid when i
// is out of range.
func (f *Function) LocalType(i uint32) Type {
	if int(i) < len(f.Params) {
		return f.Params[i]
	}
	j := int(i) - len(f.Params)
	if j < len(f.Locals) {
		return f.Locals[j]
	}
	return TypeVoid
}

func (f *Function) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s (%d params, %d locals, %d instrs)\n",
		f.ID, len(f.Params), len(f.Locals), len(f.Body))
	depth := 0
	for i, in := range f.Body {
		if in.Op == OpEnd || in.Op == OpElse {
			depth--
		}
		if depth < 0 {
			depth = 0
		}
		fmt.Fprintf(&sb, "  %3d: %s%s\n", i, strings.Repeat("  ", depth), in)
		switch in.Op {
		case OpBlock, OpLoop, OpIf, OpElse:
			depth++
		}
	}
	return sb.String()
}

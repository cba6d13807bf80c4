// internal/ir/translator.go
package ir

import (
	"encoding/binary"

	"wasmjit/internal/errors"
	"wasmjit/internal/wasm"
)

// Translator converts one function's raw bytecode into IR. It keeps
// no state across functions; one instance is shared by the whole
// pipeline and is safe for concurrent use as long as the signature
// resolver is.
type Translator struct {
	// sigs resolves a callee index to its signature on the module
	// (AOT) path. On the single-function path it is nil and calls are
	// translated with an unknown stack effect.
	sigs func(idx uint32) (*wasm.FunctionType, bool)
}

// NewTranslator creates a translator for the single-function path.
func NewTranslator() *Translator {
	return &Translator{}
}

// WithSignatures returns a translator that resolves callee signatures
// through resolve, for whole-module translation.
func (t *Translator) WithSignatures(resolve func(idx uint32) (*wasm.FunctionType, bool)) *Translator {
	return &Translator{sigs: resolve}
}

// state is the per-call translation state: the abstract type stack
// and the structured control frames.
type state struct {
	fn     *wasm.Function
	out    *Function
	stack  []Type
	ctrl   []ctrlFrame
	loose  bool // an unknown callee signature made stack depths unreliable
	locals []Type
}

type ctrlFrame struct {
	op          Op
	height      int
	unreachable bool
}

// Translate converts fn's body into IR, checking the stack model as
// far as the declared types allow.
func (t *Translator) Translate(fn *wasm.Function) (*Function, error) {
	out := &Function{
		ID:      fn.ID,
		Params:  typesOf(fn.Params),
		Results: typesOf(fn.Results),
		Locals:  typesOf(fn.Locals),
	}
	s := &state{fn: fn, out: out}
	s.locals = append(s.locals, out.Params...)
	s.locals = append(s.locals, out.Locals...)
	s.ctrl = []ctrlFrame{{op: OpBlock}}

	body := fn.Body
	pc := 0
	for pc < len(body) {
		op := body[pc]
		pc++
		var err error
		pc, err = t.translateOne(s, op, body, pc)
		if err != nil {
			return nil, err
		}
		if len(s.ctrl) == 0 {
			break // function-level end
		}
	}
	// Locals the body referenced beyond the declaration list were
	// materialized during translation.
	out.Locals = s.locals[len(out.Params):]
	return out, nil
}

func typesOf(vs []wasm.ValueType) []Type {
	if len(vs) == 0 {
		return nil
	}
	out := make([]Type, len(vs))
	for i, v := range vs {
		out[i] = TypeOf(v)
	}
	return out
}

func (s *state) fail(format string, args ...interface{}) error {
	return errors.Newf(errors.Translation, format, args...).WithFunction(s.fn.ID.String())
}

func (s *state) emit(in Instr) {
	s.out.Body = append(s.out.Body, in)
}

func (s *state) push(t Type) {
	s.stack = append(s.stack, t)
}

// pop removes the top of the type stack. In loose mode or inside dead
// code an empty stack yields TypeVoid instead of an error.
func (s *state) pop() (Type, error) {
	frame := &s.ctrl[len(s.ctrl)-1]
	if len(s.stack) <= frame.height {
		if s.loose || frame.unreachable {
			return TypeVoid, nil
		}
		return TypeVoid, s.fail("operand stack underflow at instruction %d", len(s.out.Body))
	}
	t := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return t, nil
}

func (s *state) popExpect(want Type) error {
	got, err := s.pop()
	if err != nil {
		return err
	}
	if got != TypeVoid && want != TypeVoid && got != want {
		return s.fail("type mismatch at instruction %d: want %s, have %s", len(s.out.Body), want, got)
	}
	return nil
}

func (s *state) localType(idx uint32) Type {
	// The on-demand path carries no signature, so references past the
	// declared locals materialize i64 slots (validation is the
	// caller's responsibility).
	for int(idx) >= len(s.locals) {
		s.locals = append(s.locals, TypeI64)
	}
	return s.locals[idx]
}

func (s *state) markUnreachable() {
	frame := &s.ctrl[len(s.ctrl)-1]
	frame.unreachable = true
	if len(s.stack) > frame.height {
		s.stack = s.stack[:frame.height]
	}
}

func (t *Translator) translateOne(s *state, op byte, body []byte, pc int) (int, error) {
	switch op {
	case 0x00: // unreachable
		s.emit(Instr{Op: OpUnreachable})
		s.markUnreachable()
	case 0x01: // nop
		s.emit(Instr{Op: OpNop})

	case 0x02, 0x03, 0x04: // block, loop, if
		if pc >= len(body) {
			return pc, s.fail("truncated block type")
		}
		bt := body[pc]
		pc++
		blockOp := map[byte]Op{0x02: OpBlock, 0x03: OpLoop, 0x04: OpIf}[op]
		if op == 0x04 {
			if err := s.popExpect(TypeI32); err != nil {
				return pc, err
			}
		}
		var rt Type
		switch bt {
		case 0x40:
			rt = TypeVoid
		case byte(wasm.ValueTypeI32), byte(wasm.ValueTypeI64), byte(wasm.ValueTypeF32), byte(wasm.ValueTypeF64):
			rt = TypeOf(wasm.ValueType(bt))
		default:
			return pc, s.fail("unsupported block type 0x%02x", bt)
		}
		s.emit(Instr{Op: blockOp, Type: rt})
		s.ctrl = append(s.ctrl, ctrlFrame{op: blockOp, height: len(s.stack)})

	case 0x05: // else
		if len(s.ctrl) < 2 || s.ctrl[len(s.ctrl)-1].op != OpIf {
			return pc, s.fail("else outside if")
		}
		frame := &s.ctrl[len(s.ctrl)-1]
		s.stack = s.stack[:frame.height]
		frame.unreachable = false
		s.emit(Instr{Op: OpElse})

	case 0x0B: // end
		if len(s.ctrl) == 0 {
			return pc, s.fail("unbalanced end")
		}
		frame := s.ctrl[len(s.ctrl)-1]
		s.ctrl = s.ctrl[:len(s.ctrl)-1]
		if len(s.stack) > frame.height+1 {
			s.stack = s.stack[:frame.height+1]
		}
		s.emit(Instr{Op: OpEnd})

	case 0x0C, 0x0D: // br, br_if
		depth, n, err := wasm.ReadUint32(body, pc)
		if err != nil {
			return pc, s.fail("branch depth: %v", err)
		}
		pc += n
		if int(depth) >= len(s.ctrl) {
			return pc, s.fail("branch depth %d exceeds nesting %d", depth, len(s.ctrl))
		}
		if op == 0x0D {
			if err := s.popExpect(TypeI32); err != nil {
				return pc, err
			}
			s.emit(Instr{Op: OpBrIf, Arg: depth})
		} else {
			s.emit(Instr{Op: OpBr, Arg: depth})
			s.markUnreachable()
		}

	case 0x0F: // return
		for _, rt := range s.out.Results {
			if err := s.popExpect(rt); err != nil {
				return pc, err
			}
		}
		s.emit(Instr{Op: OpReturn})
		s.markUnreachable()

	case 0x10: // call
		idx, n, err := wasm.ReadUint32(body, pc)
		if err != nil {
			return pc, s.fail("call index: %v", err)
		}
		pc += n
		if t.sigs != nil {
			if sig, ok := t.sigs(idx); ok {
				for i := len(sig.Params) - 1; i >= 0; i-- {
					if err := s.popExpect(TypeOf(sig.Params[i])); err != nil {
						return pc, err
					}
				}
				s.emit(Instr{Op: OpCall, Arg: idx, Type: resultType(sig.Results)})
				for _, r := range sig.Results {
					s.push(TypeOf(r))
				}
				break
			}
		}
		// Unknown callee: stack effect is unknowable without
		// cross-function analysis.
		s.loose = true
		s.emit(Instr{Op: OpCall, Arg: idx})

	case 0x1A: // drop
		if _, err := s.pop(); err != nil {
			return pc, err
		}
		s.emit(Instr{Op: OpDrop})

	case 0x1B: // select
		if err := s.popExpect(TypeI32); err != nil {
			return pc, err
		}
		a, err := s.pop()
		if err != nil {
			return pc, err
		}
		if _, err := s.pop(); err != nil {
			return pc, err
		}
		s.emit(Instr{Op: OpSelect, Type: a})
		s.push(a)

	case 0x20: // local.get
		idx, n, err := wasm.ReadUint32(body, pc)
		if err != nil {
			return pc, s.fail("local index: %v", err)
		}
		pc += n
		lt := s.localType(idx)
		s.emit(Instr{Op: OpLocalGet, Arg: idx, Type: lt})
		s.push(lt)

	case 0x21, 0x22: // local.set, local.tee
		idx, n, err := wasm.ReadUint32(body, pc)
		if err != nil {
			return pc, s.fail("local index: %v", err)
		}
		pc += n
		lt := s.localType(idx)
		if err := s.popExpect(lt); err != nil {
			return pc, err
		}
		if op == 0x21 {
			s.emit(Instr{Op: OpLocalSet, Arg: idx, Type: lt})
		} else {
			s.emit(Instr{Op: OpLocalTee, Arg: idx, Type: lt})
			s.push(lt)
		}

	case 0x23: // global.get
		idx, n, err := wasm.ReadUint32(body, pc)
		if err != nil {
			return pc, s.fail("global index: %v", err)
		}
		pc += n
		// Global types live in the module's global section, which the
		// single-function path does not see; i64 is the widest safe
		// integer assumption for downstream passes, which treat
		// globals as opaque anyway.
		s.emit(Instr{Op: OpGlobalGet, Arg: idx, Type: TypeI64})
		s.push(TypeI64)

	case 0x24: // global.set
		idx, n, err := wasm.ReadUint32(body, pc)
		if err != nil {
			return pc, s.fail("global index: %v", err)
		}
		pc += n
		if _, err := s.pop(); err != nil {
			return pc, err
		}
		s.emit(Instr{Op: OpGlobalSet, Arg: idx})

	case 0x28, 0x29, 0x2A, 0x2B: // loads
		rt := map[byte]Type{0x28: TypeI32, 0x29: TypeI64, 0x2A: TypeF32, 0x2B: TypeF64}[op]
		offset, newPC, err := s.readMemArg(body, pc)
		if err != nil {
			return pc, err
		}
		pc = newPC
		if err := s.popExpect(TypeI32); err != nil {
			return pc, err
		}
		s.emit(Instr{Op: OpLoad, Type: rt, Arg: offset})
		s.push(rt)

	case 0x36, 0x37, 0x38, 0x39: // stores
		vt := map[byte]Type{0x36: TypeI32, 0x37: TypeI64, 0x38: TypeF32, 0x39: TypeF64}[op]
		offset, newPC, err := s.readMemArg(body, pc)
		if err != nil {
			return pc, err
		}
		pc = newPC
		if err := s.popExpect(vt); err != nil {
			return pc, err
		}
		if err := s.popExpect(TypeI32); err != nil {
			return pc, err
		}
		s.emit(Instr{Op: OpStore, Type: vt, Arg: offset})

	case 0x41: // i32.const
		v, n, err := wasm.ReadInt32(body, pc)
		if err != nil {
			return pc, s.fail("i32.const: %v", err)
		}
		pc += n
		s.emit(Instr{Op: OpConst, Type: TypeI32, Imm: uint64(uint32(v))})
		s.push(TypeI32)

	case 0x42: // i64.const
		v, n, err := wasm.ReadInt64(body, pc)
		if err != nil {
			return pc, s.fail("i64.const: %v", err)
		}
		pc += n
		s.emit(Instr{Op: OpConst, Type: TypeI64, Imm: uint64(v)})
		s.push(TypeI64)

	case 0x43: // f32.const
		if pc+4 > len(body) {
			return pc, s.fail("truncated f32.const")
		}
		bits := binary.LittleEndian.Uint32(body[pc:])
		pc += 4
		s.emit(Instr{Op: OpConst, Type: TypeF32, Imm: uint64(bits)})
		s.push(TypeF32)

	case 0x44: // f64.const
		if pc+8 > len(body) {
			return pc, s.fail("truncated f64.const")
		}
		bits := binary.LittleEndian.Uint64(body[pc:])
		pc += 8
		s.emit(Instr{Op: OpConst, Type: TypeF64, Imm: bits})
		s.push(TypeF64)

	default:
		if known, ok := numericOps[op]; ok {
			return pc, s.translateNumeric(known)
		}
		return pc, s.fail("unsupported opcode 0x%02x", op)
	}
	return pc, nil
}

func (s *state) readMemArg(body []byte, pc int) (uint32, int, error) {
	_, n, err := wasm.ReadUint32(body, pc) // alignment hint, unused
	if err != nil {
		return 0, pc, s.fail("memarg align: %v", err)
	}
	pc += n
	offset, n, err := wasm.ReadUint32(body, pc)
	if err != nil {
		return 0, pc, s.fail("memarg offset: %v", err)
	}
	return offset, pc + n, nil
}

func resultType(results []wasm.ValueType) Type {
	if len(results) == 0 {
		return TypeVoid
	}
	return TypeOf(results[0])
}

// numericOp describes a comparison, test, or arithmetic opcode: the
// operand type it consumes and the result it pushes.
type numericOp struct {
	op      Op
	operand Type
	result  Type
	unary   bool
}

var numericOps = map[byte]numericOp{
	// i32 tests and comparisons
	0x45: {OpEqz, TypeI32, TypeI32, true},
	0x46: {OpEq, TypeI32, TypeI32, false},
	0x47: {OpNe, TypeI32, TypeI32, false},
	0x48: {OpLtS, TypeI32, TypeI32, false},
	0x4A: {OpGtS, TypeI32, TypeI32, false},
	0x4C: {OpLeS, TypeI32, TypeI32, false},
	0x4E: {OpGeS, TypeI32, TypeI32, false},
	// i64 tests and comparisons
	0x50: {OpEqz, TypeI64, TypeI32, true},
	0x51: {OpEq, TypeI64, TypeI32, false},
	0x52: {OpNe, TypeI64, TypeI32, false},
	0x53: {OpLtS, TypeI64, TypeI32, false},
	0x55: {OpGtS, TypeI64, TypeI32, false},
	0x57: {OpLeS, TypeI64, TypeI32, false},
	0x59: {OpGeS, TypeI64, TypeI32, false},
	// f64 comparisons
	0x61: {OpEq, TypeF64, TypeI32, false},
	0x62: {OpNe, TypeF64, TypeI32, false},
	0x63: {OpLtS, TypeF64, TypeI32, false},
	0x64: {OpGtS, TypeF64, TypeI32, false},
	0x65: {OpLeS, TypeF64, TypeI32, false},
	0x66: {OpGeS, TypeF64, TypeI32, false},
	// i32 arithmetic
	0x6A: {OpAdd, TypeI32, TypeI32, false},
	0x6B: {OpSub, TypeI32, TypeI32, false},
	0x6C: {OpMul, TypeI32, TypeI32, false},
	0x6D: {OpDivS, TypeI32, TypeI32, false},
	0x71: {OpAnd, TypeI32, TypeI32, false},
	0x72: {OpOr, TypeI32, TypeI32, false},
	0x73: {OpXor, TypeI32, TypeI32, false},
	0x74: {OpShl, TypeI32, TypeI32, false},
	0x75: {OpShrS, TypeI32, TypeI32, false},
	// i64 arithmetic
	0x7C: {OpAdd, TypeI64, TypeI64, false},
	0x7D: {OpSub, TypeI64, TypeI64, false},
	0x7E: {OpMul, TypeI64, TypeI64, false},
	0x7F: {OpDivS, TypeI64, TypeI64, false},
	0x83: {OpAnd, TypeI64, TypeI64, false},
	0x84: {OpOr, TypeI64, TypeI64, false},
	0x85: {OpXor, TypeI64, TypeI64, false},
	0x86: {OpShl, TypeI64, TypeI64, false},
	0x87: {OpShrS, TypeI64, TypeI64, false},
	// f32 arithmetic
	0x92: {OpAdd, TypeF32, TypeF32, false},
	0x93: {OpSub, TypeF32, TypeF32, false},
	0x94: {OpMul, TypeF32, TypeF32, false},
	0x95: {OpDivS, TypeF32, TypeF32, false},
	// f64 arithmetic
	0xA0: {OpAdd, TypeF64, TypeF64, false},
	0xA1: {OpSub, TypeF64, TypeF64, false},
	0xA2: {OpMul, TypeF64, TypeF64, false},
	0xA3: {OpDivS, TypeF64, TypeF64, false},
}

func (s *state) translateNumeric(n numericOp) error {
	if err := s.popExpect(n.operand); err != nil {
		return err
	}
	if !n.unary {
		if err := s.popExpect(n.operand); err != nil {
			return err
		}
	}
	s.emit(Instr{Op: n.op, Type: n.operand})
	s.push(n.result)
	return nil
}

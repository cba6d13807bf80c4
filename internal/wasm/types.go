// internal/wasm/types.go
package wasm

import "fmt"

// FunctionID identifies one function inside one module. It is the key
// used for profiling and code caching, so it must stay comparable and
// immutable.
type FunctionID struct {
	Module string
	Index  uint32
}

func (id FunctionID) String() string {
	return fmt.Sprintf("%s[%d]", id.Module, id.Index)
}

// ValueType is a WASM value type byte as it appears on the wire.
type ValueType byte

const (
	ValueTypeI32 ValueType = 0x7F
	ValueTypeI64 ValueType = 0x7E
	ValueTypeF32 ValueType = 0x7D
	ValueTypeF64 ValueType = 0x7C
)

func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	default:
		return fmt.Sprintf("valuetype(0x%02x)", byte(v))
	}
}

// FunctionType is a parsed function signature.
type FunctionType struct {
	Params  []ValueType
	Results []ValueType
}

// Function is one function's raw instruction bytes plus its declared
// types. The validator collaborator is assumed to have checked the
// body before it reaches this package.
type Function struct {
	ID      FunctionID
	Params  []ValueType
	Results []ValueType
	Locals  []ValueType
	Body    []byte
}

// Module is the parsed form of a whole module: the function bodies
// from the code section joined with their signatures when the type
// and function sections are present.
type Module struct {
	ID        string
	Types     []FunctionType
	Functions []*Function
}

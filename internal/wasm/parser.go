// internal/wasm/parser.go
package wasm

import (
	"bytes"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"wasmjit/internal/errors"
)

// Section ids as assigned by the wire format.
const (
	sectionType     = 1
	sectionFunction = 3
	sectionCode     = 10
)

var (
	wasmMagic   = []byte{0x00, 0x61, 0x73, 0x6D}
	wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}
)

// ParseModule decodes the module wire format far enough to extract
// every function body together with its signature. Sections other
// than type, function, and code are skipped by size. The input is
// assumed to have passed the validator; structural damage is still
// reported as InvalidModule since it would otherwise corrupt the
// compile pipeline downstream.
func ParseModule(moduleID string, raw []byte) (*Module, error) {
	if len(raw) < 8 {
		return nil, errors.Newf(errors.InvalidModule, "%s: module truncated (%d bytes)", moduleID, len(raw))
	}
	if !bytes.Equal(raw[0:4], wasmMagic) {
		return nil, errors.Newf(errors.InvalidModule, "%s: bad magic % x", moduleID, raw[0:4])
	}
	if !bytes.Equal(raw[4:8], wasmVersion) {
		return nil, errors.Newf(errors.InvalidModule, "%s: unsupported version % x", moduleID, raw[4:8])
	}

	m := &Module{ID: moduleID}
	var typeIndices []uint32

	off := 8
	for off < len(raw) {
		sectionID := raw[off]
		off++
		size, n, err := ReadUint32(raw, off)
		if err != nil {
			return nil, errors.Wrap(errors.InvalidModule, err, moduleID+": section size")
		}
		off += n
		if off+int(size) > len(raw) {
			return nil, errors.Newf(errors.InvalidModule, "%s: section %d overruns module (%d bytes declared)", moduleID, sectionID, size)
		}
		payload := raw[off : off+int(size)]
		off += int(size)

		switch sectionID {
		case sectionType:
			if m.Types, err = parseTypeSection(payload); err != nil {
				return nil, errors.Wrap(errors.InvalidModule, err, moduleID+": type section")
			}
		case sectionFunction:
			if typeIndices, err = parseFunctionSection(payload); err != nil {
				return nil, errors.Wrap(errors.InvalidModule, err, moduleID+": function section")
			}
		case sectionCode:
			if m.Functions, err = parseCodeSection(moduleID, payload); err != nil {
				return nil, err
			}
		}
	}

	// Join bodies with signatures when both sections were present.
	for i, fn := range m.Functions {
		if i >= len(typeIndices) {
			break
		}
		ti := typeIndices[i]
		if int(ti) >= len(m.Types) {
			return nil, errors.Newf(errors.InvalidModule, "%s: function %d references type %d of %d", moduleID, i, ti, len(m.Types))
		}
		fn.Params = m.Types[ti].Params
		fn.Results = m.Types[ti].Results
	}
	return m, nil
}

func parseTypeSection(payload []byte) ([]FunctionType, error) {
	count, n, err := ReadUint32(payload, 0)
	if err != nil {
		return nil, err
	}
	off := n
	types := make([]FunctionType, 0, count)
	for i := uint32(0); i < count; i++ {
		if off >= len(payload) {
			return nil, pkgerrors.Errorf("type %d truncated", i)
		}
		if payload[off] != 0x60 {
			return nil, pkgerrors.Errorf("type %d: not a function type (0x%02x)", i, payload[off])
		}
		off++
		var ft FunctionType
		if ft.Params, off, err = parseValueTypes(payload, off); err != nil {
			return nil, err
		}
		if ft.Results, off, err = parseValueTypes(payload, off); err != nil {
			return nil, err
		}
		types = append(types, ft)
	}
	return types, nil
}

func parseValueTypes(payload []byte, off int) ([]ValueType, int, error) {
	count, n, err := ReadUint32(payload, off)
	if err != nil {
		return nil, 0, err
	}
	off += n
	if off+int(count) > len(payload) {
		return nil, 0, pkgerrors.New("value type vector truncated")
	}
	out := make([]ValueType, count)
	for i := range out {
		out[i] = ValueType(payload[off+i])
	}
	return out, off + int(count), nil
}

func parseFunctionSection(payload []byte) ([]uint32, error) {
	count, n, err := ReadUint32(payload, 0)
	if err != nil {
		return nil, err
	}
	off := n
	indices := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		ti, n, err := ReadUint32(payload, off)
		if err != nil {
			return nil, err
		}
		off += n
		indices = append(indices, ti)
	}
	return indices, nil
}

func parseCodeSection(moduleID string, payload []byte) ([]*Function, error) {
	count, n, err := ReadUint32(payload, 0)
	if err != nil {
		return nil, errors.Wrap(errors.InvalidModule, err, moduleID+": code section count")
	}
	off := n
	fns := make([]*Function, 0, count)
	for i := uint32(0); i < count; i++ {
		size, n, err := ReadUint32(payload, off)
		if err != nil {
			return nil, errors.Wrap(errors.InvalidModule, err, moduleID+": function body size")
		}
		off += n
		if off+int(size) > len(payload) {
			return nil, errors.Newf(errors.InvalidModule, "%s: function %d body overruns code section", moduleID, i)
		}
		raw := payload[off : off+int(size)]
		off += int(size)
		locals, instrs, err := ParseFunctionBody(raw)
		if err != nil {
			return nil, errors.Wrap(errors.InvalidModule, err, fmt.Sprintf("%s: function %d locals", moduleID, i))
		}
		fns = append(fns, &Function{
			ID:     FunctionID{Module: moduleID, Index: i},
			Locals: locals,
			Body:   instrs,
		})
	}
	return fns, nil
}

// ParseFunctionBody splits one code-section entry into its declared
// locals and its instruction bytes. Locals are run-length encoded on
// the wire: a vector of (count, type) pairs. The on-demand compile
// path receives entries in this form too, so it shares this split
// with the module parser.
func ParseFunctionBody(raw []byte) ([]ValueType, []byte, error) {
	groups, n, err := ReadUint32(raw, 0)
	if err != nil {
		return nil, nil, err
	}
	off := n
	var locals []ValueType
	for g := uint32(0); g < groups; g++ {
		count, n, err := ReadUint32(raw, off)
		if err != nil {
			return nil, nil, err
		}
		off += n
		if count > 1<<20 {
			return nil, nil, pkgerrors.Errorf("local group %d declares %d locals", g, count)
		}
		if off >= len(raw) {
			return nil, nil, pkgerrors.Errorf("local group %d truncated", g)
		}
		vt := ValueType(raw[off])
		off++
		for j := uint32(0); j < count; j++ {
			locals = append(locals, vt)
		}
	}
	body := make([]byte, len(raw)-off)
	copy(body, raw[off:])
	return locals, body, nil
}

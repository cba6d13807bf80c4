// internal/wasm/leb128.go
package wasm

import "github.com/pkg/errors"

var errLEBOverflow = errors.New("leb128: integer overflow")
var errLEBTruncated = errors.New("leb128: truncated")

// ReadUint32 decodes an unsigned LEB128 value of at most 32 bits from
// buf starting at off. It returns the value and the number of bytes
// consumed.
func ReadUint32(buf []byte, off int) (uint32, int, error) {
	var result uint32
	var shift uint
	n := 0
	for {
		if off+n >= len(buf) {
			return 0, 0, errLEBTruncated
		}
		b := buf[off+n]
		n++
		if shift == 28 && b > 0x0F {
			return 0, 0, errLEBOverflow
		}
		result |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, n, nil
		}
		shift += 7
		if shift > 28 {
			return 0, 0, errLEBOverflow
		}
	}
}

// ReadInt32 decodes a signed LEB128 value of at most 32 bits.
func ReadInt32(buf []byte, off int) (int32, int, error) {
	var result int32
	var shift uint
	n := 0
	for {
		if off+n >= len(buf) {
			return 0, 0, errLEBTruncated
		}
		b := buf[off+n]
		n++
		result |= int32(b&0x7F) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 32 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, n, nil
		}
		if shift >= 35 {
			return 0, 0, errLEBOverflow
		}
	}
}

// ReadInt64 decodes a signed LEB128 value of at most 64 bits.
func ReadInt64(buf []byte, off int) (int64, int, error) {
	var result int64
	var shift uint
	n := 0
	for {
		if off+n >= len(buf) {
			return 0, 0, errLEBTruncated
		}
		b := buf[off+n]
		n++
		result |= int64(b&0x7F) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, n, nil
		}
		if shift >= 70 {
			return 0, 0, errLEBOverflow
		}
	}
}

// AppendUint32 appends v to buf in unsigned LEB128 form.
func AppendUint32(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

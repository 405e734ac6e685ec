// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package binlog

import (
	"encoding/binary"
	"fmt"
)

// bodyReader walks an event body. The first short read records an error and
// every later read returns zero values, so decoders check err once at the end.
type bodyReader struct {
	data []byte
	pos  int
	err  error
}

func newBodyReader(data []byte) *bodyReader {
	return &bodyReader{data: data}
}

func (r *bodyReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.pos, len(r.data)-r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *bodyReader) remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.data) - r.pos
}

func (r *bodyReader) rest() []byte {
	return r.take(r.remaining())
}

func (r *bodyReader) skip(n int) { r.take(n) }

func (r *bodyReader) uint8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *bodyReader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *bodyReader) uint24() uint32 {
	if b := r.take(3); b != nil {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	}
	return 0
}

func (r *bodyReader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *bodyReader) uint48() uint64 {
	if b := r.take(6); b != nil {
		return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
			uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40
	}
	return 0
}

func (r *bodyReader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// packedInt reads a length-encoded integer.
func (r *bodyReader) packedInt() uint64 {
	first := r.uint8()
	switch {
	case first < 0xfb:
		return uint64(first)
	case first == 0xfc:
		return uint64(r.uint16())
	case first == 0xfd:
		return uint64(r.uint24())
	case first == 0xfe:
		return r.uint64()
	default:
		if r.err == nil {
			r.err = fmt.Errorf("invalid packed integer prefix 0x%x at offset %d", first, r.pos-1)
		}
		return 0
	}
}

func (r *bodyReader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *bodyReader) string(n int) string {
	return string(r.take(n))
}

// lenString reads a string prefixed by a one-byte length.
func (r *bodyReader) lenString() string {
	return r.string(int(r.uint8()))
}

// zString reads a string prefixed by a one-byte length and followed by a NUL.
func (r *bodyReader) zString() string {
	s := r.lenString()
	r.skip(1)
	return s
}

func appendUint16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func appendUint32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }
func appendUint64(b []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(b, v) }

func appendUint24(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16))
}

func appendUint48(b []byte, v uint64) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40))
}

func appendPackedInt(b []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(b, byte(v))
	case v <= 0xffff:
		return appendUint16(append(b, 0xfc), uint16(v))
	case v <= 0xffffff:
		return appendUint24(append(b, 0xfd), uint32(v))
	default:
		return appendUint64(append(b, 0xfe), v)
	}
}

func appendLenString(b []byte, s string) []byte {
	return append(append(b, byte(len(s))), s...)
}

func appendZString(b []byte, s string) []byte {
	return append(appendLenString(b, s), 0)
}

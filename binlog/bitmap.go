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

import "math/bits"

// Bitmap is a column bitmap as written in table map and rows events:
// bit i is bit (i % 8) of byte (i / 8).
type Bitmap struct {
	data  []byte
	count int
}

// NewBitmap returns an all-clear bitmap of count bits.
func NewBitmap(count int) Bitmap {
	return Bitmap{data: make([]byte, (count+7)/8), count: count}
}

// NewFullBitmap returns a bitmap of count bits, all set.
func NewFullBitmap(count int) Bitmap {
	b := NewBitmap(count)
	for i := 0; i < count; i++ {
		b.Set(i, true)
	}
	return b
}

func bitmapFromBytes(data []byte, count int) Bitmap {
	return Bitmap{data: data, count: count}
}

// Count returns the number of bits in the bitmap.
func (b Bitmap) Count() int { return b.count }

// Bytes returns the wire form of the bitmap.
func (b Bitmap) Bytes() []byte { return b.data }

// Bit returns the value of bit i.
func (b Bitmap) Bit(i int) bool {
	if i < 0 || i >= b.count {
		return false
	}
	return b.data[i/8]&(1<<(uint(i)%8)) != 0
}

// Set sets bit i.
func (b Bitmap) Set(i int, value bool) {
	if value {
		b.data[i/8] |= 1 << (uint(i) % 8)
	} else {
		b.data[i/8] &^= 1 << (uint(i) % 8)
	}
}

// BitCount returns the number of set bits.
func (b Bitmap) BitCount() int {
	n := 0
	for _, v := range b.data {
		n += bits.OnesCount8(v)
	}
	return n
}

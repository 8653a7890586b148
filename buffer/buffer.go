// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package buffer contains definitions and utilities for flat element
// buffers as they are used by the distadam engine. Buffers represent
// fixed regions of device memory: they have a fixed length, an element
// datatype, and support cheap subrange views that alias the parent's
// storage. All cross-dtype conversion happens at copy boundaries so
// that the engine's bookkeeping can treat every buffer as a flat
// range of elements.
package buffer

import (
	"encoding/binary"
	"fmt"
)

// DType identifies the element type of a Buffer. The zero value is
// invalid so that unset dtype options can be detected and defaulted.
type DType int

const (
	dtypeInvalid DType = iota
	// Float32 is IEEE 754 binary32.
	Float32
	// Float16 is IEEE 754 binary16.
	Float16
	// BFloat16 is the 16-bit brain float format: the high half of a
	// binary32 bit pattern.
	BFloat16
	// Int16 is a signed 16-bit integer. It is used only for packed
	// parameter remainders.
	Int16
)

var dtypeNames = [...]string{
	dtypeInvalid: "invalid",
	Float32:      "float32",
	Float16:      "float16",
	BFloat16:     "bfloat16",
	Int16:        "int16",
}

// String returns the dtype's name.
func (d DType) String() string {
	if d <= dtypeInvalid || int(d) >= len(dtypeNames) {
		return fmt.Sprintf("dtype(%d)", int(d))
	}
	return dtypeNames[d]
}

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float16, BFloat16, Int16:
		return 2
	}
	panic("buffer: size of invalid dtype")
}

// Valid reports whether d is a defined dtype.
func (d DType) Valid() bool {
	return d > dtypeInvalid && int(d) < len(dtypeNames)
}

// A Buffer is a flat, fixed-length vector of elements of a single
// dtype. Buffers are created zero-filled. Subrange views created by
// Slice alias the parent's storage, as device buffer views would.
type Buffer struct {
	dt  DType
	f32 []float32
	u16 []uint16
	i16 []int16
}

// New creates a zero-filled buffer of n elements of dtype d.
func New(d DType, n int) *Buffer {
	b := &Buffer{dt: d}
	switch d {
	case Float32:
		b.f32 = make([]float32, n)
	case Float16, BFloat16:
		b.u16 = make([]uint16, n)
	case Int16:
		b.i16 = make([]int16, n)
	default:
		panic("buffer: New with invalid dtype")
	}
	return b
}

// DType returns the buffer's element type.
func (b *Buffer) DType() DType { return b.dt }

// Len returns the number of elements in the buffer.
func (b *Buffer) Len() int {
	switch b.dt {
	case Float32:
		return len(b.f32)
	case Float16, BFloat16:
		return len(b.u16)
	default:
		return len(b.i16)
	}
}

// Slice returns the subrange [i, j) of b as a view that shares b's
// storage.
func (b *Buffer) Slice(i, j int) *Buffer {
	v := &Buffer{dt: b.dt}
	switch b.dt {
	case Float32:
		v.f32 = b.f32[i:j:j]
	case Float16, BFloat16:
		v.u16 = b.u16[i:j:j]
	default:
		v.i16 = b.i16[i:j:j]
	}
	return v
}

// Zero zero-fills the buffer.
func (b *Buffer) Zero() {
	switch b.dt {
	case Float32:
		for i := range b.f32 {
			b.f32[i] = 0
		}
	case Float16, BFloat16:
		for i := range b.u16 {
			b.u16[i] = 0
		}
	default:
		for i := range b.i16 {
			b.i16[i] = 0
		}
	}
}

// Float32 returns element i widened to float32.
func (b *Buffer) Float32(i int) float32 {
	switch b.dt {
	case Float32:
		return b.f32[i]
	case Float16:
		return f16ToF32(b.u16[i])
	case BFloat16:
		return bf16ToF32(b.u16[i])
	}
	panic("buffer: Float32 on int16 buffer")
}

// SetFloat32 stores v into element i, narrowing to the buffer's dtype.
func (b *Buffer) SetFloat32(i int, v float32) {
	switch b.dt {
	case Float32:
		b.f32[i] = v
	case Float16:
		b.u16[i] = f32ToF16(v)
	case BFloat16:
		b.u16[i] = f32ToBF16(v)
	default:
		panic("buffer: SetFloat32 on int16 buffer")
	}
}

// Int16 returns element i of an Int16 buffer.
func (b *Buffer) Int16(i int) int16 {
	if b.dt != Int16 {
		panic("buffer: Int16 on " + b.dt.String() + " buffer")
	}
	return b.i16[i]
}

// SetInt16 stores v into element i of an Int16 buffer.
func (b *Buffer) SetInt16(i int, v int16) {
	if b.dt != Int16 {
		panic("buffer: SetInt16 on " + b.dt.String() + " buffer")
	}
	b.i16[i] = v
}

// Bits16 returns the raw 16-bit pattern of element i of a Float16 or
// BFloat16 buffer.
func (b *Buffer) Bits16(i int) uint16 {
	switch b.dt {
	case Float16, BFloat16:
		return b.u16[i]
	}
	panic("buffer: Bits16 on " + b.dt.String() + " buffer")
}

// SetBits16 stores the raw 16-bit pattern v into element i of a
// Float16 or BFloat16 buffer.
func (b *Buffer) SetBits16(i int, v uint16) {
	switch b.dt {
	case Float16, BFloat16:
		b.u16[i] = v
	default:
		panic("buffer: SetBits16 on " + b.dt.String() + " buffer")
	}
}

// Copy copies src into dst, converting between dtypes element-wise.
// The buffers must have equal lengths. Int16 buffers copy only to and
// from Int16 buffers.
func Copy(dst, src *Buffer) {
	if dst.Len() != src.Len() {
		panic(fmt.Sprintf("buffer: copy length mismatch: %d != %d", dst.Len(), src.Len()))
	}
	if dst.dt == Int16 || src.dt == Int16 {
		if dst.dt != src.dt {
			panic("buffer: copy between int16 and float buffers")
		}
		copy(dst.i16, src.i16)
		return
	}
	if dst.dt == src.dt {
		switch dst.dt {
		case Float32:
			copy(dst.f32, src.f32)
		default:
			copy(dst.u16, src.u16)
		}
		return
	}
	for i, n := 0, src.Len(); i < n; i++ {
		dst.SetFloat32(i, src.Float32(i))
	}
}

// Accumulate adds src into dst element-wise, converting between
// dtypes. The buffers must have equal lengths and float dtypes.
func Accumulate(dst, src *Buffer) {
	if dst.Len() != src.Len() {
		panic(fmt.Sprintf("buffer: accumulate length mismatch: %d != %d", dst.Len(), src.Len()))
	}
	for i, n := 0, src.Len(); i < n; i++ {
		dst.SetFloat32(i, dst.Float32(i)+src.Float32(i))
	}
}

// Scale multiplies every element of a float buffer by s.
func (b *Buffer) Scale(s float32) {
	for i, n := 0, b.Len(); i < n; i++ {
		b.SetFloat32(i, b.Float32(i)*s)
	}
}

// Bytes returns the buffer's contents as little-endian bytes. It is
// used for raw per-rank checkpoint blobs and integrity checksums.
func (b *Buffer) Bytes() []byte {
	n := b.Len()
	p := make([]byte, n*b.dt.Size())
	switch b.dt {
	case Float32:
		for i, v := range b.f32 {
			binary.LittleEndian.PutUint32(p[4*i:], f32bits(v))
		}
	case Float16, BFloat16:
		for i, v := range b.u16 {
			binary.LittleEndian.PutUint16(p[2*i:], v)
		}
	default:
		for i, v := range b.i16 {
			binary.LittleEndian.PutUint16(p[2*i:], uint16(v))
		}
	}
	return p
}

// SetBytes fills the buffer from little-endian bytes previously
// produced by Bytes.
func (b *Buffer) SetBytes(p []byte) error {
	if len(p) != b.Len()*b.dt.Size() {
		return fmt.Errorf("buffer: byte length %d does not match %d %s elements", len(p), b.Len(), b.dt)
	}
	switch b.dt {
	case Float32:
		for i := range b.f32 {
			b.f32[i] = f32frombits(binary.LittleEndian.Uint32(p[4*i:]))
		}
	case Float16, BFloat16:
		for i := range b.u16 {
			b.u16[i] = binary.LittleEndian.Uint16(p[2*i:])
		}
	default:
		for i := range b.i16 {
			b.i16[i] = int16(binary.LittleEndian.Uint16(p[2*i:]))
		}
	}
	return nil
}

// SameStorage reports whether a and b are views over the same
// starting element of the same underlying storage.
func SameStorage(a, b *Buffer) bool {
	if a == nil || b == nil || a.dt != b.dt || a.Len() == 0 || b.Len() == 0 {
		return a == b
	}
	switch a.dt {
	case Float32:
		return &a.f32[0] == &b.f32[0]
	case Float16, BFloat16:
		return &a.u16[0] == &b.u16[0]
	default:
		return &a.i16[0] == &b.i16[0]
	}
}

// Clone returns a copy of b with its own storage.
func (b *Buffer) Clone() *Buffer {
	c := New(b.dt, b.Len())
	Copy(c, b)
	return c
}

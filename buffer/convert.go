// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package buffer

import "math"

func f32bits(v float32) uint32     { return math.Float32bits(v) }
func f32frombits(u uint32) float32 { return math.Float32frombits(u) }

// f32ToBF16 narrows a binary32 value to bfloat16 with
// round-to-nearest-even.
func f32ToBF16(v float32) uint16 {
	u := math.Float32bits(v)
	if u&0x7fffffff > 0x7f800000 {
		// NaN: keep the payload's high bits, force quiet.
		return uint16(u>>16) | 0x0040
	}
	round := uint32(0x7fff + (u>>16)&1)
	return uint16((u + round) >> 16)
}

// bf16ToF32 widens a bfloat16 bit pattern to binary32.
func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// f32ToF16 narrows a binary32 value to binary16 with
// round-to-nearest-even, flushing overflow to infinity.
func f32ToF16(v float32) uint16 {
	u := math.Float32bits(v)
	sign := uint16(u>>16) & 0x8000
	exp := int32(u>>23&0xff) - 127
	mant := u & 0x7fffff
	switch {
	case exp == 128: // Inf or NaN
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	case exp > 15: // overflow
		return sign | 0x7c00
	case exp >= -14: // normal
		// 13 mantissa bits are dropped; round to nearest even.
		m := mant | 0x800000
		shifted := m >> 13
		round := m & 0x1fff
		if round > 0x1000 || (round == 0x1000 && shifted&1 == 1) {
			shifted++
		}
		// A mantissa carry bumps the exponent, which the packed
		// addition below handles naturally.
		return sign + uint16(uint32(exp+15)<<10) + uint16(shifted) - 0x400
	case exp >= -24: // subnormal
		m := mant | 0x800000
		shift := uint32(-exp - 1)
		shifted := m >> shift
		round := m & (1<<shift - 1)
		half := uint32(1) << (shift - 1)
		if round > half || (round == half && shifted&1 == 1) {
			shifted++
		}
		return sign | uint16(shifted)
	default: // underflow to zero
		return sign
	}
}

// f16ToF32 widens a binary16 bit pattern to binary32.
func f16ToF32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h >> 10 & 0x1f)
	mant := uint32(h & 0x3ff)
	switch {
	case exp == 0x1f: // Inf or NaN
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	case exp != 0: // normal
		return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
	case mant != 0: // subnormal
		// Normalize: shift the mantissa until the hidden bit appears.
		e := uint32(113)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		return math.Float32frombits(sign | e<<23 | (mant&0x3ff)<<13)
	default:
		return math.Float32frombits(sign)
	}
}

// SplitRemainder splits a binary32 value into a bfloat16 bit pattern
// and the 16-bit remainder needed to reconstruct the original bits.
// The bfloat16 half is rounded up in magnitude whenever the dropped
// low half would read as negative in two's complement, which is what
// Reconstruct undoes. The round trip is bit-exact for every input.
func SplitRemainder(v float32) (bf16 uint16, rem int16) {
	u := math.Float32bits(v)
	hi, lo := uint16(u>>16), uint16(u)
	if lo >= 0x8000 {
		hi++
	}
	return hi, int16(lo)
}

// Reconstruct rebuilds the binary32 value previously split by
// SplitRemainder.
func Reconstruct(bf16 uint16, rem int16) float32 {
	hi := bf16
	if rem < 0 {
		hi--
	}
	return math.Float32frombits(uint32(hi)<<16 | uint32(uint16(rem)))
}

// PackRemainder splits every element of the float32 buffer src into
// the bfloat16 buffer bf16 and the int16 remainder buffer rem.
func PackRemainder(bf16, rem, src *Buffer) {
	if bf16.DType() != BFloat16 || rem.DType() != Int16 || src.DType() != Float32 {
		panic("buffer: PackRemainder dtype mismatch")
	}
	if bf16.Len() != src.Len() || rem.Len() != src.Len() {
		panic("buffer: PackRemainder length mismatch")
	}
	for i, n := 0, src.Len(); i < n; i++ {
		b, r := SplitRemainder(src.f32[i])
		bf16.u16[i] = b
		rem.i16[i] = r
	}
}

// UnpackRemainder reconstructs the float32 buffer dst from a bfloat16
// buffer and its packed remainders.
func UnpackRemainder(dst, bf16, rem *Buffer) {
	if bf16.DType() != BFloat16 || rem.DType() != Int16 || dst.DType() != Float32 {
		panic("buffer: UnpackRemainder dtype mismatch")
	}
	if bf16.Len() != dst.Len() || rem.Len() != dst.Len() {
		panic("buffer: UnpackRemainder length mismatch")
	}
	for i, n := 0, dst.Len(); i < n; i++ {
		dst.f32[i] = Reconstruct(bf16.u16[i], rem.i16[i])
	}
}

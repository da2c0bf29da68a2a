//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package bitseq converts between packed LSB-first byte buffers, integers and
// bit slices as they are clocked on JTAG and SWD wires.
package bitseq

// FromBytes unpacks the first n bits of b, LSB of b[0] first.
func FromBytes(b []byte, n int) []bool {
	res := make([]bool, n)
	for i := 0; i < n; i++ {
		res[i] = b[i/8]&(1<<uint(i%8)) != 0
	}
	return res
}

// ToBytes packs bits LSB first, zero-padding the last byte.
func ToBytes(bits []bool) []byte {
	res := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			res[i/8] |= 1 << uint(i%8)
		}
	}
	return res
}

func FromUint(v uint64, n int) []bool {
	res := make([]bool, n)
	for i := 0; i < n && i < 64; i++ {
		res[i] = v&(1<<uint(i)) != 0
	}
	return res
}

// ToUint packs up to 64 bits, first bit is the LSB.
func ToUint(bits []bool) uint64 {
	var v uint64
	for i, b := range bits {
		if i >= 64 {
			break
		}
		if b {
			v |= 1 << uint(i)
		}
	}
	return v
}

func Repeat(v bool, n int) []bool {
	res := make([]bool, n)
	if v {
		for i := range res {
			res[i] = true
		}
	}
	return res
}

// Parity returns the even parity bit of v.
func Parity(v uint32) bool {
	v ^= v >> 16
	v ^= v >> 8
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return v&1 != 0
}

// Concat joins bit slices into a fresh slice.
func Concat(parts ...[]bool) []bool {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	res := make([]bool, 0, n)
	for _, p := range parts {
		res = append(res, p...)
	}
	return res
}

// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import "encoding/binary"

// EfficientBuffer is a little-endian writer over a pre-sized byte slice.
type EfficientBuffer []byte

// Slice returns a slice re-sliced from the original EfficientBuffer.
// This is useful to write a record byte by byte without incurring in extra
// allocations.
//
// Callers are responsible to ensure that there is enough capacity left
// for the passed size.
func (eb *EfficientBuffer) Slice(size int) EfficientBuffer {
	newSize := len(*eb) + size
	subSlice := (*eb)[len(*eb):newSize]
	// Extend its length.
	*eb = (*eb)[:newSize]
	return subSlice
}

// PutUint64 writes the passed uint64 in little
// endian and advances the current slice.
func (eb *EfficientBuffer) PutUint64(v uint64) {
	binary.LittleEndian.PutUint64((*eb)[:8], v)
	*eb = (*eb)[8:]
}

// PutUint32 writes the passed uint32 in little
// endian and advances the current slice.
func (eb *EfficientBuffer) PutUint32(v uint32) {
	binary.LittleEndian.PutUint32((*eb)[:4], v)
	*eb = (*eb)[4:]
}

// PutUint16 writes the passed uint16 in little
// endian and advances the current slice.
func (eb *EfficientBuffer) PutUint16(v uint16) {
	binary.LittleEndian.PutUint16((*eb)[:2], v)
	*eb = (*eb)[2:]
}

// PutUint8 writes the passed uint8 and advances the current slice.
func (eb *EfficientBuffer) PutUint8(v uint8) {
	(*eb)[0] = v
	*eb = (*eb)[1:]
}

// PutBool writes v as a single byte.
func (eb *EfficientBuffer) PutBool(v bool) {
	if v {
		eb.PutUint8(1)
		return
	}
	eb.PutUint8(0)
}

// PutBytes copies p and advances the current slice.
func (eb *EfficientBuffer) PutBytes(p []byte) {
	n := copy(*eb, p)
	*eb = (*eb)[n:]
}

// decoder is the reading counterpart of EfficientBuffer. The first short
// read sticks and every later read returns zero.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = errShortRecord
		d.buf = nil
		return nil
	}
	p := d.buf[:n]
	d.buf = d.buf[n:]
	return p
}

func (d *decoder) uint8() uint8 {
	p := d.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (d *decoder) bool() bool {
	return d.uint8() != 0
}

func (d *decoder) uint16() uint16 {
	p := d.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (d *decoder) uint32() uint32 {
	p := d.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (d *decoder) uint64() uint64 {
	p := d.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

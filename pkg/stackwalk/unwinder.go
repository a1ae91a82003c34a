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

package stackwalk

import (
	"encoding/binary"
	"fmt"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

// MemoryReader reads the memory of another process.
type MemoryReader interface {
	ReadAt(pid uint32, addr uint64, buf []byte) error
}

// Unwinder fills in the callers of cs, and its stack values when
// captureValues is set.
type Unwinder interface {
	Unwind(req *pmu.UserStackRequest, w *Walker, captureValues bool, cs *pmu.UserCallStack) error
}

// maxStackValues bounds the stack words captured next to a user stack.
const maxStackValues = 64

// FramePointerUnwinder follows the saved frame pointer chain of x86-64
// binaries built with frame pointers.
type FramePointerUnwinder struct {
	mem MemoryReader
}

func NewFramePointerUnwinder(mem MemoryReader) *FramePointerUnwinder {
	return &FramePointerUnwinder{mem: mem}
}

func (u *FramePointerUnwinder) Unwind(req *pmu.UserStackRequest, w *Walker, captureValues bool, cs *pmu.UserCallStack) error {
	cs.Is64Bit = true
	cs.StackPtr = req.Frame.SP
	cs.FramePtr = req.Frame.FP
	cs.Callers = append(cs.Callers[:0], req.Frame.IP)

	if captureValues {
		if err := u.captureValues(req, w, cs); err != nil {
			return err
		}
	}

	fp := req.Frame.FP
	if fp == 0 {
		return nil
	}
	var frame [16]byte
	depth := w.MaxDepth()
	for len(cs.Callers) < depth {
		if err := u.mem.ReadAt(req.ProcessID, fp, frame[:]); err != nil {
			if len(cs.Callers) > 1 {
				// Partial stacks are still useful.
				return nil
			}
			return fmt.Errorf("read frame at %#x: %w", fp, err)
		}
		next := binary.LittleEndian.Uint64(frame[:8])
		ret := binary.LittleEndian.Uint64(frame[8:])
		if ret == 0 {
			break
		}
		cs.Callers = append(cs.Callers, ret)
		// The stack grows down, callers live at higher addresses.
		if next <= fp {
			break
		}
		fp = next
	}
	return nil
}

// captureValues records the stack words between SP and FP that point into
// the walker's code ranges, or every word when it has none.
func (u *FramePointerUnwinder) captureValues(req *pmu.UserStackRequest, w *Walker, cs *pmu.UserCallStack) error {
	sp, fp := req.Frame.SP, req.Frame.FP
	if sp == 0 {
		return nil
	}
	words := maxStackValues
	if fp > sp && (fp-sp)/8 < uint64(words) {
		words = int((fp - sp) / 8)
	}
	if words == 0 {
		return nil
	}

	buf := make([]byte, words*8)
	if err := u.mem.ReadAt(req.ProcessID, sp, buf); err != nil {
		return fmt.Errorf("read stack at %#x: %w", sp, err)
	}
	cs.Values = cs.Values[:0]
	cs.Offsets = cs.Offsets[:0]
	for i := 0; i < words; i++ {
		v := binary.LittleEndian.Uint64(buf[i*8:])
		if !w.InCode(v) {
			continue
		}
		cs.Values = append(cs.Values, uint32(v))
		cs.Offsets = append(cs.Offsets, uint16(i*8))
	}
	return nil
}

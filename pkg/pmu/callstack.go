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

package pmu

import (
	"fmt"

	"go.uber.org/atomic"
)

// callStackSampling is the published call-stack configuration. It is
// immutable once stored except for the per-core interval counters.
type callStackSampling struct {
	props CallStackProperties
	ticks []atomic.Uint64
}

func newCallStackSampling(props CallStackProperties, coresCount int) *callStackSampling {
	p := props
	p.CodeRanges = append([]CodeRange(nil), props.CodeRanges...)
	return &callStackSampling{
		props: p,
		ticks: make([]atomic.Uint64, coresCount),
	}
}

func (c *callStackSampling) captureUser() bool {
	return c.props.Mode&CallStackUser != 0
}

func (c *callStackSampling) captureKernel() bool {
	return c.props.Mode&CallStackKernel != 0
}

// updateInterval counts one sample on core and reports whether a stack is
// due. Every Interval-th sample on a core is due.
func (c *callStackSampling) updateInterval(core uint32) bool {
	if int(core) >= len(c.ticks) {
		return false
	}
	return c.ticks[core].Inc()%uint64(c.props.Interval) == 0
}

func validateCallStackProperties(props CallStackProperties) error {
	if props.Depth < 1 || props.Depth > MaxCallStackDepth {
		return fmt.Errorf("call stack depth %d out of range [1, %d]: %w", props.Depth, MaxCallStackDepth, ErrInvalidArgument)
	}
	if props.Mode&(CallStackUser|CallStackKernel) == 0 || props.Mode&^(CallStackUser|CallStackKernel) != 0 {
		return fmt.Errorf("call stack mode %#x: %w", uint8(props.Mode), ErrInvalidArgument)
	}
	if props.Interval == 0 {
		return fmt.Errorf("call stack interval must not be zero: %w", ErrInvalidArgument)
	}
	if len(props.CodeRanges) >= MaxCodeRanges {
		return fmt.Errorf("%d code ranges, at most %d allowed: %w", len(props.CodeRanges), MaxCodeRanges-1, ErrInvalidArgument)
	}
	return nil
}

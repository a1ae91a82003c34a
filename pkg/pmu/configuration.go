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

	"github.com/RoaringBitmap/roaring"
)

// Kind is the type of hardware resource a configuration programs.
type Kind uint8

const (
	KindEventCounter Kind = iota
	KindTimer
	KindIbsFetch
	KindIbsOp
	KindL2ICounter

	// NumKinds is the number of resource types tracked per core.
	NumKinds = int(KindL2ICounter) + 1
)

func (k Kind) String() string {
	switch k {
	case KindEventCounter:
		return "event_counter"
	case KindTimer:
		return "timer"
	case KindIbsFetch:
		return "ibs_fetch"
	case KindIbsOp:
		return "ibs_op"
	case KindL2ICounter:
		return "l2i_counter"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

const (
	// MaxQueueWeight is how many event configurations may share one counter.
	MaxQueueWeight = 4
	// MaxPIDCount is the capacity of the attached process list.
	MaxPIDCount = 64
	// MaxCallStackDepth bounds the requested call-stack depth.
	MaxCallStackDepth = 512
	// MaxCodeRanges bounds the initial code ranges handed to the stack walker.
	MaxCodeRanges = 256

	MinIbsCycleCount = 0x50
	MaxIbsCycleCount = 0xFFFF0
	MaxIbsExtCount   = 0x7FFFFF0
)

// Bits of the event select control register.
const (
	EventControlUser      uint64 = 1 << 16
	EventControlOS        uint64 = 1 << 17
	EventControlInterrupt uint64 = 1 << 20
	EventControlEnable    uint64 = 1 << 22

	// FakeL2IControlBits tag L2I counters inside the event select value. They
	// are never written to the hardware.
	FakeL2IControlBits uint64 = 0xF << 36
)

// IBS operation data capture bits.
const (
	IbsOpData2        uint32 = 1 << 0
	IbsOpData3        uint32 = 1 << 1
	IbsOpDCLinear     uint32 = 1 << 2
	IbsOpDCPhysical   uint32 = 1 << 3
	IbsOpBranchTarget uint32 = 1 << 4
	IbsOpData4        uint32 = 1 << 5
)

// CoreMask is the set of cores a configuration is valid on.
type CoreMask struct {
	bm *roaring.Bitmap
}

// NewCoreMask returns a mask containing the given cores.
func NewCoreMask(cores ...uint32) CoreMask {
	return CoreMask{bm: roaring.BitmapOf(cores...)}
}

// AllCores returns a mask with cores [0, n).
func AllCores(n int) CoreMask {
	bm := roaring.New()
	bm.AddRange(0, uint64(n))
	return CoreMask{bm: bm}
}

// Contains reports whether core is part of the mask.
func (m CoreMask) Contains(core uint32) bool {
	return m.bm != nil && m.bm.Contains(core)
}

// Count returns the number of cores in the mask.
func (m CoreMask) Count() int {
	if m.bm == nil {
		return 0
	}
	return int(m.bm.GetCardinality())
}

// Cores returns the cores in ascending order.
func (m CoreMask) Cores() []uint32 {
	if m.bm == nil {
		return nil
	}
	return m.bm.ToArray()
}

// Clone returns an independent copy of the mask.
func (m CoreMask) Clone() CoreMask {
	if m.bm == nil {
		return CoreMask{}
	}
	return CoreMask{bm: m.bm.Clone()}
}

func (m CoreMask) String() string {
	if m.bm == nil {
		return "{}"
	}
	return m.bm.String()
}

// validFor reports whether the mask selects at least one core and no more
// cores than the device has.
func (m CoreMask) validFor(coresCount int) bool {
	n := m.Count()
	if n == 0 || n > coresCount {
		return false
	}
	return m.bm.Maximum() < uint32(coresCount)
}

// EventProperties describes an event counter configuration.
type EventProperties struct {
	ResourceID   uint8
	ControlValue uint64
	// Period is the number of events between sampling interrupts.
	Period uint64
	Cores  CoreMask
}

// TimerProperties describes a timer based sampling configuration.
type TimerProperties struct {
	// Granularity is the timer period in 0.1ms ticks.
	Granularity uint32
	Cores       CoreMask
}

// IbsProperties describes an instruction based sampling configuration.
type IbsProperties struct {
	ProfileFetch bool
	ProfileOp    bool
	// FetchMaxCount and OpMaxCount are the sampling periods in cycles/ops.
	FetchMaxCount uint32
	OpMaxCount    uint32
	// OpDispatch counts dispatched ops instead of cycles.
	OpDispatch bool
	OpDataMask uint32
	Cores      CoreMask
}

// CallStackMode selects which privilege levels get a call stack.
type CallStackMode uint8

const (
	CallStackUser CallStackMode = 1 << iota
	CallStackKernel
)

// CodeRange is a module address range handed to the stack walker.
type CodeRange struct {
	Start uint64
	End   uint64
}

// CallStackProperties describes the call-stack sampling configuration.
type CallStackProperties struct {
	TargetPID  uint32
	Depth      uint32
	Mode       CallStackMode
	Interval   uint32
	CodeRanges []CodeRange
	// CaptureStackValues records the raw stack words next to the user stack.
	CaptureStackValues bool
}

// Configuration is one hardware counter setup.
type Configuration struct {
	Kind         Kind
	ResourceID   uint8
	ControlValue uint64
	Cores        CoreMask
	// Counting is set for event counters that never raise an interrupt.
	Counting bool
	// Granularity is only set for timer configurations.
	Granularity uint32
	// Period is the sampling period handed to the hardware.
	Period uint64

	// Pair is the position of the partner IBS configuration in submission
	// order, or -1. It doubles as the partner's missed data column.
	Pair int

	event *EventProperties
	timer *TimerProperties
	ibs   *IbsProperties

	// savedCounts holds the per-core totals of the active periods before the
	// last pause. The hardware counter restarts from zero on resume.
	savedCounts map[uint32]uint64
}

// IsEvent reports whether the configuration programs a plain counter.
func (c *Configuration) IsEvent() bool {
	return c.Kind == KindEventCounter || c.Kind == KindL2ICounter
}

// IsValidCore reports whether the configuration is active on core.
func (c *Configuration) IsValidCore(core uint32) bool {
	return c.Cores.Contains(core)
}

// HardwareControl returns the control value as written to the hardware.
func (c *Configuration) HardwareControl() uint64 {
	if c.Kind == KindL2ICounter {
		return c.ControlValue &^ FakeL2IControlBits
	}
	return c.ControlValue
}

// SavedCount returns the value of core accumulated up to the last pause.
func (c *Configuration) SavedCount(core uint32) uint64 {
	return c.savedCounts[core]
}

// addSavedCount folds the value counted since the last resume into the
// saved total of core.
func (c *Configuration) addSavedCount(core uint32, v uint64) {
	if c.savedCounts == nil {
		c.savedCounts = make(map[uint32]uint64)
	}
	c.savedCounts[core] += v
}

func (c *Configuration) String() string {
	return fmt.Sprintf("%s[%d] ctl=%#x cores=%s", c.Kind, c.ResourceID, c.ControlValue, c.Cores)
}

func newEventConfiguration(props EventProperties) *Configuration {
	kind := KindEventCounter
	if props.ControlValue&FakeL2IControlBits == FakeL2IControlBits {
		kind = KindL2ICounter
	}
	p := props
	p.Cores = props.Cores.Clone()
	return &Configuration{
		Kind:         kind,
		ResourceID:   props.ResourceID,
		ControlValue: props.ControlValue,
		Cores:        p.Cores,
		Counting:     props.ControlValue&EventControlInterrupt == 0,
		Period:       props.Period,
		Pair:         -1,
		event:        &p,
	}
}

func newTimerConfiguration(props TimerProperties) *Configuration {
	p := props
	p.Cores = props.Cores.Clone()
	return &Configuration{
		Kind:        KindTimer,
		Cores:       p.Cores,
		Granularity: props.Granularity,
		Period:      uint64(props.Granularity),
		Pair:        -1,
		timer:       &p,
	}
}

// IBS control register layouts: MaxCnt is stored in units of 16.
const (
	ibsFetchEnable  uint64 = 1 << 48
	ibsFetchRandom  uint64 = 1 << 57
	ibsOpEnable     uint64 = 1 << 17
	ibsOpCountOps   uint64 = 1 << 19
	ibsOpMaxCntMask uint64 = 0xFFFF
)

func ibsOpControl(maxCount uint32, dispatch bool) uint64 {
	cnt := uint64(maxCount >> 4)
	v := cnt&ibsOpMaxCntMask | (cnt>>16)<<20 | ibsOpEnable
	if dispatch {
		v |= ibsOpCountOps
	}
	return v
}

func newIbsFetchConfiguration(props IbsProperties) (*Configuration, error) {
	if props.FetchMaxCount < MinIbsCycleCount || props.FetchMaxCount > MaxIbsCycleCount {
		return nil, fmt.Errorf("ibs fetch max count %d out of range [%d, %d]: %w",
			props.FetchMaxCount, MinIbsCycleCount, MaxIbsCycleCount, ErrInvalidArgument)
	}
	p := props
	p.Cores = props.Cores.Clone()
	return &Configuration{
		Kind:         KindIbsFetch,
		ControlValue: uint64(props.FetchMaxCount>>4) | ibsFetchEnable | ibsFetchRandom,
		Cores:        p.Cores,
		Period:       uint64(props.FetchMaxCount),
		Pair:         -1,
		ibs:          &p,
	}, nil
}

func newIbsOpConfiguration(props IbsProperties, extCount bool) (*Configuration, error) {
	limit := uint32(MaxIbsCycleCount)
	if extCount {
		limit = MaxIbsExtCount
	}
	if props.OpMaxCount < MinIbsCycleCount || props.OpMaxCount > limit {
		return nil, fmt.Errorf("ibs op max count %d out of range [%d, %d]: %w",
			props.OpMaxCount, MinIbsCycleCount, limit, ErrInvalidArgument)
	}
	p := props
	p.Cores = props.Cores.Clone()
	return &Configuration{
		Kind:         KindIbsOp,
		ControlValue: ibsOpControl(props.OpMaxCount, props.OpDispatch),
		Cores:        p.Cores,
		Period:       uint64(props.OpMaxCount),
		Pair:         -1,
		ibs:          &p,
	}, nil
}

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

import (
	"errors"
	"fmt"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

// RecordType tags every record in a PRD block.
type RecordType uint8

const (
	RecordProcessList RecordType = iota + 1
	RecordConfiguration
	RecordSample
	RecordResourceWeights
	RecordKernelCallStack
	RecordUserCallStack
	RecordVirtualStack
	RecordProcessID
	RecordMissedData
)

func (t RecordType) String() string {
	switch t {
	case RecordProcessList:
		return "process_list"
	case RecordConfiguration:
		return "configuration"
	case RecordSample:
		return "sample"
	case RecordResourceWeights:
		return "resource_weights"
	case RecordKernelCallStack:
		return "kernel_call_stack"
	case RecordUserCallStack:
		return "user_call_stack"
	case RecordVirtualStack:
		return "virtual_stack"
	case RecordProcessID:
		return "process_id"
	case RecordMissedData:
		return "missed_data"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var errShortRecord = errors.New("record truncated")

// Encoded sizes, type byte included.
const (
	sampleRecordSize       = 1 + 4 + 1 + 1 + 1 + 1 + 4 + 4 + 8 + 8 + 8 + 2
	weightsRecordSize      = 1 + 4 + 1 + 1
	kernelStackRecordSize  = 1 + 2
	userStackRecordSize    = 1 + 4 + 4 + 4 + 1 + 2 + 8 + 8
	virtualStackRecordSize = 1 + 8 + 8 + 2 + 2
	processIDRecordSize    = 1 + 4 + 4
	missedRecordSize       = 1 + 4 + 8 + 1 + (1 + 1 + 8 + 8) + (1 + 1 + 8 + 8)
)

func userStackSize(callers int, is64Bit bool) int {
	if is64Bit {
		return userStackRecordSize + callers*8
	}
	return userStackRecordSize + callers*4
}

func configurationSize(cfg *pmu.Configuration) int {
	return 1 + 1 + 1 + 1 + 8 + 8 + 4 + 8 + 4 + cfg.Cores.Count()*4
}

// Record is one decoded PRD record.
type Record interface {
	Type() RecordType
}

type ProcessListRecord struct {
	PIDs []uint32
}

type ConfigurationRecord struct {
	Kind         pmu.Kind
	ResourceID   uint8
	Counting     bool
	ControlValue uint64
	Period       uint64
	Granularity  uint32
	StartTime    uint64
	Cores        []uint32
}

type SampleRecord struct {
	Core       uint32
	Kind       pmu.Kind
	ResourceID uint8
	Privilege  pmu.PrivilegeLevel
	Weight     uint8
	ProcessID  uint32
	ThreadID   uint32
	// Delta is the sample timestamp relative to the session start.
	Delta        uint64
	IP           uint64
	ControlValue uint64
	Extended     []uint64
}

type ResourceWeightsRecord struct {
	Core    uint32
	Kind    pmu.Kind
	Weights []uint8
}

type KernelCallStackRecord struct {
	Callers []uint64
}

type UserCallStackRecord struct {
	Core       uint32
	ProcessID  uint32
	ThreadID   uint32
	Is64Bit    bool
	Callers    []uint64
	StartDelta uint64
	EndDelta   uint64
}

type VirtualStackRecord struct {
	StackPtr uint64
	FramePtr uint64
	Values   []uint32
	Offsets  []uint16
}

type ProcessIDRecord struct {
	PID  uint32
	Core uint32
}

type MissedDataRecord struct {
	Core         uint32
	StartTime    uint64
	Kind         pmu.Kind
	ResourceID   uint8
	ControlValue uint64
	Count        uint64

	Paired             bool
	PairedKind         pmu.Kind
	PairedResourceID   uint8
	PairedControlValue uint64
	PairedCount        uint64
}

func (*ProcessListRecord) Type() RecordType { return RecordProcessList }
func (*ConfigurationRecord) Type() RecordType { return RecordConfiguration }
func (*SampleRecord) Type() RecordType { return RecordSample }
func (*ResourceWeightsRecord) Type() RecordType { return RecordResourceWeights }
func (*KernelCallStackRecord) Type() RecordType { return RecordKernelCallStack }
func (*UserCallStackRecord) Type() RecordType { return RecordUserCallStack }
func (*VirtualStackRecord) Type() RecordType { return RecordVirtualStack }
func (*ProcessIDRecord) Type() RecordType { return RecordProcessID }
func (*MissedDataRecord) Type() RecordType { return RecordMissedData }

func delta(ts, start uint64) uint64 {
	if ts < start {
		return 0
	}
	return ts - start
}

func putProcessList(eb *EfficientBuffer, pids []uint32) {
	eb.PutUint8(uint8(RecordProcessList))
	eb.PutUint32(uint32(len(pids)))
	for _, pid := range pids {
		eb.PutUint32(pid)
	}
}

func putConfiguration(eb *EfficientBuffer, cfg *pmu.Configuration, start uint64) {
	eb.PutUint8(uint8(RecordConfiguration))
	eb.PutUint8(uint8(cfg.Kind))
	eb.PutUint8(cfg.ResourceID)
	eb.PutBool(cfg.Counting)
	eb.PutUint64(cfg.HardwareControl())
	eb.PutUint64(cfg.Period)
	eb.PutUint32(cfg.Granularity)
	eb.PutUint64(start)
	cores := cfg.Cores.Cores()
	eb.PutUint32(uint32(len(cores)))
	for _, c := range cores {
		eb.PutUint32(c)
	}
}

func putSample(eb *EfficientBuffer, s *pmu.Sample, start uint64) {
	eb.PutUint8(uint8(RecordSample))
	eb.PutUint32(s.Core)
	eb.PutUint8(uint8(s.Kind))
	eb.PutUint8(s.ResourceID)
	eb.PutUint8(uint8(s.Privilege))
	eb.PutUint8(s.Weight)
	eb.PutUint32(s.ProcessID)
	eb.PutUint32(s.ThreadID)
	eb.PutUint64(delta(s.Timestamp, start))
	eb.PutUint64(s.Frame.IP)
	eb.PutUint64(s.ControlValue)
	eb.PutUint16(uint16(len(s.Extended)))
	for _, v := range s.Extended {
		eb.PutUint64(v)
	}
}

func putResourceWeights(eb *EfficientBuffer, core uint32, kind pmu.Kind, weights []uint8) {
	eb.PutUint8(uint8(RecordResourceWeights))
	eb.PutUint32(core)
	eb.PutUint8(uint8(kind))
	eb.PutUint8(uint8(len(weights)))
	eb.PutBytes(weights)
}

func putKernelCallStack(eb *EfficientBuffer, callers []uint64) {
	eb.PutUint8(uint8(RecordKernelCallStack))
	eb.PutUint16(uint16(len(callers)))
	for _, c := range callers {
		eb.PutUint64(c)
	}
}

func putUserCallStack(eb *EfficientBuffer, cs *pmu.UserCallStack, start uint64) {
	eb.PutUint8(uint8(RecordUserCallStack))
	eb.PutUint32(cs.Core)
	eb.PutUint32(cs.ProcessID)
	eb.PutUint32(cs.ThreadID)
	eb.PutBool(cs.Is64Bit)
	eb.PutUint16(uint16(len(cs.Callers)))
	eb.PutUint64(delta(cs.StartTime, start))
	eb.PutUint64(delta(cs.EndTime, start))
	for _, c := range cs.Callers {
		if cs.Is64Bit {
			eb.PutUint64(c)
		} else {
			eb.PutUint32(uint32(c))
		}
	}
}

func putVirtualStack(eb *EfficientBuffer, values []uint32, offsets []uint16, sp, fp uint64) {
	eb.PutUint8(uint8(RecordVirtualStack))
	eb.PutUint64(sp)
	eb.PutUint64(fp)
	eb.PutUint16(uint16(len(values)))
	eb.PutUint16(uint16(len(offsets)))
	for _, v := range values {
		eb.PutUint32(v)
	}
	for _, o := range offsets {
		eb.PutUint16(o)
	}
}

func putProcessID(eb *EfficientBuffer, pid, core uint32) {
	eb.PutUint8(uint8(RecordProcessID))
	eb.PutUint32(pid)
	eb.PutUint32(core)
}

func putMissedData(eb *EfficientBuffer, rec pmu.MissedRecord) {
	eb.PutUint8(uint8(RecordMissedData))
	eb.PutUint32(rec.Core)
	eb.PutUint64(rec.StartTime)
	eb.PutBool(rec.Paired != nil)
	eb.PutUint8(uint8(rec.Config.Kind))
	eb.PutUint8(rec.Config.ResourceID)
	eb.PutUint64(rec.Config.ControlValue)
	eb.PutUint64(rec.Count)
	if rec.Paired != nil {
		eb.PutUint8(uint8(rec.Paired.Kind))
		eb.PutUint8(rec.Paired.ResourceID)
		eb.PutUint64(rec.Paired.ControlValue)
	} else {
		eb.PutUint8(0)
		eb.PutUint8(0)
		eb.PutUint64(0)
	}
	eb.PutUint64(rec.PairedCount)
}

// decodeRecord decodes the record at the front of d.
func decodeRecord(d *decoder) (Record, error) {
	t := RecordType(d.uint8())
	var rec Record
	switch t {
	case RecordProcessList:
		r := &ProcessListRecord{PIDs: make([]uint32, 0, 8)}
		n := d.uint32()
		for i := uint32(0); i < n && d.err == nil; i++ {
			r.PIDs = append(r.PIDs, d.uint32())
		}
		rec = r
	case RecordConfiguration:
		r := &ConfigurationRecord{
			Kind:         pmu.Kind(d.uint8()),
			ResourceID:   d.uint8(),
			Counting:     d.bool(),
			ControlValue: d.uint64(),
			Period:       d.uint64(),
			Granularity:  d.uint32(),
			StartTime:    d.uint64(),
		}
		n := d.uint32()
		for i := uint32(0); i < n && d.err == nil; i++ {
			r.Cores = append(r.Cores, d.uint32())
		}
		rec = r
	case RecordSample:
		r := &SampleRecord{
			Core:         d.uint32(),
			Kind:         pmu.Kind(d.uint8()),
			ResourceID:   d.uint8(),
			Privilege:    pmu.PrivilegeLevel(d.uint8()),
			Weight:       d.uint8(),
			ProcessID:    d.uint32(),
			ThreadID:     d.uint32(),
			Delta:        d.uint64(),
			IP:           d.uint64(),
			ControlValue: d.uint64(),
		}
		n := d.uint16()
		for i := uint16(0); i < n && d.err == nil; i++ {
			r.Extended = append(r.Extended, d.uint64())
		}
		rec = r
	case RecordResourceWeights:
		r := &ResourceWeightsRecord{Core: d.uint32(), Kind: pmu.Kind(d.uint8())}
		n := int(d.uint8())
		if p := d.take(n); p != nil {
			r.Weights = append([]uint8(nil), p...)
		}
		rec = r
	case RecordKernelCallStack:
		r := &KernelCallStackRecord{}
		n := d.uint16()
		for i := uint16(0); i < n && d.err == nil; i++ {
			r.Callers = append(r.Callers, d.uint64())
		}
		rec = r
	case RecordUserCallStack:
		r := &UserCallStackRecord{
			Core:      d.uint32(),
			ProcessID: d.uint32(),
			ThreadID:  d.uint32(),
			Is64Bit:   d.bool(),
		}
		n := d.uint16()
		r.StartDelta = d.uint64()
		r.EndDelta = d.uint64()
		for i := uint16(0); i < n && d.err == nil; i++ {
			if r.Is64Bit {
				r.Callers = append(r.Callers, d.uint64())
			} else {
				r.Callers = append(r.Callers, uint64(d.uint32()))
			}
		}
		rec = r
	case RecordVirtualStack:
		r := &VirtualStackRecord{StackPtr: d.uint64(), FramePtr: d.uint64()}
		nv, no := d.uint16(), d.uint16()
		for i := uint16(0); i < nv && d.err == nil; i++ {
			r.Values = append(r.Values, d.uint32())
		}
		for i := uint16(0); i < no && d.err == nil; i++ {
			r.Offsets = append(r.Offsets, d.uint16())
		}
		rec = r
	case RecordProcessID:
		rec = &ProcessIDRecord{PID: d.uint32(), Core: d.uint32()}
	case RecordMissedData:
		r := &MissedDataRecord{
			Core:      d.uint32(),
			StartTime: d.uint64(),
			Paired:    d.bool(),
		}
		r.Kind = pmu.Kind(d.uint8())
		r.ResourceID = d.uint8()
		r.ControlValue = d.uint64()
		r.Count = d.uint64()
		r.PairedKind = pmu.Kind(d.uint8())
		r.PairedResourceID = d.uint8()
		r.PairedControlValue = d.uint64()
		r.PairedCount = d.uint64()
		rec = r
	default:
		return nil, fmt.Errorf("unknown record type %d", uint8(t))
	}
	if d.err != nil {
		return nil, fmt.Errorf("decoding %s: %w", t, d.err)
	}
	return rec, nil
}

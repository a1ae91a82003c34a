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

// PrivilegeLevel is the CPU mode a sample was taken in.
type PrivilegeLevel uint8

const (
	PrivilegeUser PrivilegeLevel = iota
	PrivilegeKernel
)

// TrapFrame holds the registers captured by the sampling interrupt.
type TrapFrame struct {
	IP uint64
	SP uint64
	FP uint64
}

// Sample is the payload of one hardware sampling interrupt.
type Sample struct {
	Core         uint32
	Kind         Kind
	ResourceID   uint8
	ControlValue uint64
	Privilege    PrivilegeLevel
	// Weight is the auxiliary value associated with the resource slot.
	Weight    uint8
	ProcessID uint32
	ThreadID  uint32
	// Timestamp is a monotonic nanosecond clock reading.
	Timestamp uint64
	Frame     TrapFrame
	// Extended holds raw IBS registers.
	Extended []uint64
}

// IsExtended reports whether the sample carries extra IBS registers.
func (s *Sample) IsExtended() bool {
	return len(s.Extended) != 0
}

// UserCallStack is the result of an asynchronous user stack walk.
type UserCallStack struct {
	SessionID  uint32
	Generation uint64
	// Core is the core the originating sample was taken on.
	Core      uint32
	Callers   []uint64
	Values    []uint32
	Offsets   []uint16
	StackPtr  uint64
	FramePtr  uint64
	Is64Bit   bool
	ProcessID uint32
	ThreadID  uint32
	// StartTime and EndTime bound the sample the stack belongs to.
	StartTime uint64
	EndTime   uint64
}

// UserStackRequest asks the dispatcher to walk a user stack asynchronously.
type UserStackRequest struct {
	SessionID  uint32
	Generation uint64
	Core       uint32
	ProcessID  uint32
	ThreadID   uint32
	Timestamp  uint64
	Frame      TrapFrame
}

// Device describes the hardware capabilities of the machine.
type Device interface {
	CoresCount() int
	// ResourceCount returns how many slots of kind exist per core.
	ResourceCount(kind Kind) int
	// MaxResourceCount is the largest ResourceCount over all kinds.
	MaxResourceCount() int
	HasIbsBranchTarget() bool
	HasIbsOpExtCount() bool
}

// SampleHandler receives samples from the hardware layer.
type SampleHandler interface {
	OnSample(s *Sample)
}

// RegistrationID identifies a session at the hardware resource manager.
type RegistrationID uint32

// HardwareResourceManager programs the per-core counters.
type HardwareResourceManager interface {
	Register(handler SampleHandler) (RegistrationID, error)
	Unregister(id RegistrationID) error
	// AddConfiguration fails with ErrAccessDenied or ErrInsufficientResources.
	AddConfiguration(id RegistrationID, core uint32, cfg *Configuration) error
	RemoveAllConfigurations(id RegistrationID)
	ReadCount(id RegistrationID, core uint32, cfg *Configuration) (uint64, error)
}

// StackWalker walks the user stacks of one process.
type StackWalker interface {
	ProcessID() uint32
	Release()
}

// StackCompletionHandler receives finished user stack walks.
type StackCompletionHandler interface {
	OnUserStackComplete(cs *UserCallStack)
}

// CallStackDispatcher captures kernel stacks synchronously and user stacks
// asynchronously.
type CallStackDispatcher interface {
	RegisterClient(sessionID uint32, handler StackCompletionHandler, captureValues bool) error
	UnregisterClient(sessionID uint32)
	// AcquireStackWalker returns nil when no walker can be created.
	AcquireStackWalker(pid, sessionID uint32, maxDepth int, ranges []CodeRange) StackWalker
	// FindStackWalker returns the walker already tracking pid, if any.
	FindStackWalker(pid uint32) StackWalker
	CaptureKernelStack(sessionID uint32, timestamp uint64, frame TrapFrame, maxDepth int) []uint64
	// EnqueueUserStackBackTrace never blocks; it reports whether the request
	// was queued.
	EnqueueUserStackBackTrace(req UserStackRequest) bool
}

// SampleBuffer is a per-core scratch buffer reserved for one sample. Commit
// must be called once all records were appended.
type SampleBuffer interface {
	AppendSample(s *Sample, startTime uint64) int
	AppendResourceWeights(core uint32, kind Kind, weights []uint8) int
	AppendKernelCallStack(callers []uint64) int
	AppendUserCallStack(cs *UserCallStack, startTime uint64) int
	AppendVirtualStack(values []uint32, offsets []uint16, stackPtr, framePtr uint64) int
	Commit()
}

// BufferRequest describes the space needed in a SampleBuffer.
type BufferRequest struct {
	Core          uint32
	ExtraCallers  int
	ExtraValues   int
	IsUserStack   bool
	Is64Bit       bool
	WeightChanged bool
	// ExtendedWords is the number of IBS registers attached to the sample.
	ExtendedWords int
}

// MissedRecord is the summary written at teardown for one configuration.
type MissedRecord struct {
	Config *Configuration
	Count  uint64
	// Paired is the IBS op configuration merged into an IBS fetch record.
	Paired      *Configuration
	PairedCount uint64
	StartTime   uint64
	Core        uint32
}

// SampleSink is the asynchronous per-core record writer.
type SampleSink interface {
	Open(path string, startTime uint64) error
	Close() error
	IsOpened() bool
	Path() string

	WriteProcessList(pids []uint32) error
	WriteConfiguration(cfg *Configuration, startTime uint64) error
	WriteMissedData(rec MissedRecord) error

	ActivateAsynchronousMode() error
	DeactivateAsynchronousMode()
	IsAsynchronousModeActive() bool

	// GetBuffer returns nil when no buffer is available.
	GetBuffer(req BufferRequest) SampleBuffer
	AsyncWriteProcessID(pid, core uint32)
}

// ProcessInfo is the metadata recorded for an attached process.
type ProcessInfo struct {
	PID       uint32
	ParentPID uint32
	Core      uint32
	Timestamp uint64
}

// MetadataWriter records process metadata next to the sample stream.
type MetadataWriter interface {
	Open(path string) error
	WriteProcess(info ProcessInfo) error
	Close() error
	IsOpened() bool
	Path() string
}

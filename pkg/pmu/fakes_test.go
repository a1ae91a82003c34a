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
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	cores        int
	counts       map[Kind]int
	branchTarget bool
	extCount     bool
}

func newFakeDevice(cores int) *fakeDevice {
	return &fakeDevice{
		cores: cores,
		counts: map[Kind]int{
			KindEventCounter: 2,
			KindTimer:        1,
			KindIbsFetch:     1,
			KindIbsOp:        1,
			KindL2ICounter:   1,
		},
	}
}

func (d *fakeDevice) CoresCount() int { return d.cores }
func (d *fakeDevice) ResourceCount(k Kind) int { return d.counts[k] }
func (d *fakeDevice) HasIbsBranchTarget() bool { return d.branchTarget }
func (d *fakeDevice) HasIbsOpExtCount() bool { return d.extCount }
func (d *fakeDevice) MaxResourceCount() int {
	n := 0
	for _, c := range d.counts {
		n = max(n, c)
	}
	return n
}

type addCall struct {
	core uint32
	cfg  *Configuration
}

type countKey struct {
	core       uint32
	resourceID uint8
}

type fakeHardware struct {
	mtx sync.Mutex

	handler   SampleHandler
	added     []addCall
	removeAll int
	// failAfter makes the n-th AddConfiguration call fail with failErr.
	failAfter int
	failErr   error
	counts    map[countKey]uint64
	readErr   error
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{failAfter: -1, counts: map[countKey]uint64{}}
}

func (h *fakeHardware) Register(handler SampleHandler) (RegistrationID, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.handler = handler
	return 1, nil
}

func (h *fakeHardware) Unregister(RegistrationID) error { return nil }

func (h *fakeHardware) AddConfiguration(_ RegistrationID, core uint32, cfg *Configuration) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.failAfter == len(h.added) {
		return h.failErr
	}
	h.added = append(h.added, addCall{core: core, cfg: cfg})
	return nil
}

func (h *fakeHardware) RemoveAllConfigurations(RegistrationID) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.removeAll++
	h.added = nil
	// Counters restart from zero once programmed again.
	clear(h.counts)
}

func (h *fakeHardware) ReadCount(_ RegistrationID, core uint32, cfg *Configuration) (uint64, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.readErr != nil {
		return 0, h.readErr
	}
	return h.counts[countKey{core: core, resourceID: cfg.ResourceID}], nil
}

func (h *fakeHardware) removeAllCalls() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.removeAll
}

type fakeWalker struct {
	pid      uint32
	released int
}

func (w *fakeWalker) ProcessID() uint32 { return w.pid }
func (w *fakeWalker) Release() { w.released++ }

type fakeStacks struct {
	mtx sync.Mutex

	clients    map[uint32]StackCompletionHandler
	walkers    map[uint32]*fakeWalker
	noWalker   bool
	kernel     []uint64
	requests   []UserStackRequest
	queueFull  bool
	unregister int
}

func newFakeStacks() *fakeStacks {
	return &fakeStacks{
		clients: map[uint32]StackCompletionHandler{},
		walkers: map[uint32]*fakeWalker{},
		kernel:  []uint64{0xffffffff81000000, 0xffffffff81000100},
	}
}

func (d *fakeStacks) RegisterClient(id uint32, h StackCompletionHandler, _ bool) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.clients[id] = h
	return nil
}

func (d *fakeStacks) UnregisterClient(id uint32) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	delete(d.clients, id)
	d.unregister++
}

func (d *fakeStacks) AcquireStackWalker(pid, _ uint32, _ int, _ []CodeRange) StackWalker {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.noWalker {
		return nil
	}
	w := &fakeWalker{pid: pid}
	d.walkers[pid] = w
	return w
}

func (d *fakeStacks) FindStackWalker(pid uint32) StackWalker {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if w, ok := d.walkers[pid]; ok {
		return w
	}
	return nil
}

func (d *fakeStacks) CaptureKernelStack(uint32, uint64, TrapFrame, int) []uint64 {
	return d.kernel
}

func (d *fakeStacks) EnqueueUserStackBackTrace(req UserStackRequest) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.queueFull {
		return false
	}
	d.requests = append(d.requests, req)
	return true
}

type fakeSink struct {
	mtx sync.Mutex

	opened    bool
	path      string
	async     bool
	noBuffers bool

	records    []string
	pids       []uint32
	configs    []*Configuration
	missed     []MissedRecord
	missedErr  error
	asyncPIDs  []uint32
	closeCalls int
}

func (s *fakeSink) Open(path string, _ uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.opened, s.path = true, path
	return nil
}

func (s *fakeSink) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.opened = false
	s.closeCalls++
	return nil
}

func (s *fakeSink) IsOpened() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.opened
}

func (s *fakeSink) Path() string { return s.path }

func (s *fakeSink) WriteProcessList(pids []uint32) error {
	s.pids = append(s.pids, pids...)
	return nil
}

func (s *fakeSink) WriteConfiguration(cfg *Configuration, _ uint64) error {
	s.configs = append(s.configs, cfg)
	return nil
}

func (s *fakeSink) WriteMissedData(rec MissedRecord) error {
	if s.missedErr != nil {
		return s.missedErr
	}
	s.missed = append(s.missed, rec)
	return nil
}

func (s *fakeSink) ActivateAsynchronousMode() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.async = true
	return nil
}

func (s *fakeSink) DeactivateAsynchronousMode() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.async = false
}

func (s *fakeSink) IsAsynchronousModeActive() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.async
}

func (s *fakeSink) GetBuffer(BufferRequest) SampleBuffer {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.noBuffers || !s.async {
		return nil
	}
	return &fakeBuffer{sink: s}
}

func (s *fakeSink) AsyncWriteProcessID(pid, _ uint32) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.asyncPIDs = append(s.asyncPIDs, pid)
}

func (s *fakeSink) setNoBuffers(v bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.noBuffers = v
}

func (s *fakeSink) recorded() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]string(nil), s.records...)
}

type fakeBuffer struct {
	sink    *fakeSink
	pending []string
}

func (b *fakeBuffer) add(r string) int {
	b.pending = append(b.pending, r)
	return 1
}

func (b *fakeBuffer) AppendSample(*Sample, uint64) int { return b.add("sample") }
func (b *fakeBuffer) AppendResourceWeights(uint32, Kind, []uint8) int {
	return b.add("weights")
}
func (b *fakeBuffer) AppendKernelCallStack([]uint64) int { return b.add("kernel_stack") }
func (b *fakeBuffer) AppendUserCallStack(*UserCallStack, uint64) int {
	return b.add("user_stack")
}
func (b *fakeBuffer) AppendVirtualStack([]uint32, []uint16, uint64, uint64) int {
	return b.add("virtual_stack")
}

func (b *fakeBuffer) Commit() {
	b.sink.mtx.Lock()
	defer b.sink.mtx.Unlock()
	b.sink.records = append(b.sink.records, b.pending...)
}

type fakeMeta struct {
	opened    bool
	processes []ProcessInfo
}

func (m *fakeMeta) Open(string) error {
	m.opened = true
	return nil
}

func (m *fakeMeta) Close() error {
	m.opened = false
	return nil
}

func (m *fakeMeta) IsOpened() bool { return m.opened }
func (m *fakeMeta) Path() string { return "" }
func (m *fakeMeta) WriteProcess(info ProcessInfo) error {
	m.processes = append(m.processes, info)
	return nil
}

type testEnv struct {
	device   *fakeDevice
	hardware *fakeHardware
	stacks   *fakeStacks
	sink     *fakeSink
	meta     *fakeMeta
	session  *Session
}

func newTestEnv(t *testing.T, cores int) *testEnv {
	t.Helper()

	env := &testEnv{
		device:   newFakeDevice(cores),
		hardware: newFakeHardware(),
		stacks:   newFakeStacks(),
		sink:     &fakeSink{},
		meta:     &fakeMeta{},
	}
	s, err := NewSession(
		log.NewNopLogger(),
		prometheus.NewRegistry(),
		env.device,
		env.hardware,
		env.stacks,
		env.sink,
		env.meta,
		Config{Clock: func() uint64 { return 1000 }},
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	env.session = s
	return env
}

const samplingControl = EventControlEnable | EventControlInterrupt | EventControlUser | 0x76

func samplingEvent(resourceID uint8, cores CoreMask) EventProperties {
	return EventProperties{ResourceID: resourceID, ControlValue: samplingControl, Period: 100000, Cores: cores}
}

func countingEvent(resourceID uint8, cores CoreMask) EventProperties {
	return EventProperties{ResourceID: resourceID, ControlValue: EventControlEnable | 0xC0, Cores: cores}
}

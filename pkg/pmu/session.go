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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateIdle State = iota
	StateConfigured
	StateActive
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Flags reports which parts of a session were configured.
type Flags struct {
	OutputFileSet bool
	EventSet      bool
	TimerSet      bool
	IbsSet        bool
	CallStackSet  bool
	PidFilterSet  bool
}

// DefaultTableLimit is the default number of accounting slots a session may
// allocate per table.
const DefaultTableLimit = 1 << 24

type Config struct {
	// TableLimit caps the size of the missed data and weight tables.
	TableLimit int
	// TrackOverhead measures the time spent in OnSample.
	TrackOverhead bool
	// Clock returns a monotonic timestamp in nanoseconds.
	Clock func() uint64
}

var sessionIDs atomic.Uint32

type accounting struct {
	missed  *MissedDataTable
	weights *ResourceWeightTable
}

// Session owns the configurations of one profiling client and records the
// samples the hardware delivers for them.
//
// Lifecycle and configuration methods serialize on an internal mutex.
// OnSample and OnUserStackComplete never lock and may run concurrently with
// them. OnSample must not be called concurrently for the same core.
type Session struct {
	logger  log.Logger
	metrics *metrics
	cfg     Config

	id    uint32
	regID RegistrationID

	device   Device
	hardware HardwareResourceManager
	stacks   CallStackDispatcher
	sink     SampleSink
	meta     MetadataWriter

	mtx sync.Mutex

	state atomic.Int32

	outputFileSet atomic.Bool
	eventSet      atomic.Bool
	timerSet      atomic.Bool
	ibsSet        atomic.Bool
	callStackSet  atomic.Bool
	pidFilterSet  atomic.Bool
	autoAttach    atomic.Bool

	// Guarded by mtx. order lists arena indices in submission order, every
	// position-based index (Pair, missed data columns) refers to order.
	arena               []*Configuration
	order               []int
	eventsCount         int
	countingEventsCount int
	prdPath             string
	tiPath              string
	walkers             map[uint32]StackWalker

	startTime   atomic.Uint64
	generation  atomic.Uint64
	recordCount atomic.Uint64
	overhead    atomic.Duration
	lastErr     atomic.Error
	abort       atomic.Pointer[AbortSignal]

	acct atomic.Pointer[accounting]
	css  atomic.Pointer[callStackSampling]

	attached ProcessAttachList
}

// NewSession registers a new session with the hardware resource manager.
// meta may be nil when no metadata file is wanted.
func NewSession(
	logger log.Logger,
	reg prometheus.Registerer,
	device Device,
	hardware HardwareResourceManager,
	stacks CallStackDispatcher,
	sink SampleSink,
	meta MetadataWriter,
	cfg Config,
) (*Session, error) {
	if cfg.TableLimit <= 0 {
		cfg.TableLimit = DefaultTableLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = MonotonicNow
	}

	s := &Session{
		logger:   logger,
		metrics:  newMetrics(reg),
		cfg:      cfg,
		id:       sessionIDs.Inc(),
		device:   device,
		hardware: hardware,
		stacks:   stacks,
		sink:     sink,
		meta:     meta,
		walkers:  map[uint32]StackWalker{},
	}
	s.autoAttach.Store(true)

	id, err := hardware.Register(s)
	if err != nil {
		if uerr := s.metrics.unregister(); uerr != nil {
			level.Debug(logger).Log("msg", "failed to unregister session metrics", "err", uerr)
		}
		return nil, fmt.Errorf("registering session with hardware: %w", err)
	}
	s.regID = id
	return s, nil
}

var processStart = time.Now()

// MonotonicNow is the default session clock, in nanoseconds since the
// process started.
func MonotonicNow() uint64 {
	return uint64(time.Since(processStart))
}

// Close stops the session and releases its hardware registration.
func (s *Session) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return errors.Join(
		s.hardware.Unregister(s.regID),
		s.metrics.unregister(),
	)
}

func (s *Session) ID() uint32 { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Flags() Flags {
	return Flags{
		OutputFileSet: s.outputFileSet.Load(),
		EventSet:      s.eventSet.Load(),
		TimerSet:      s.timerSet.Load(),
		IbsSet:        s.ibsSet.Load(),
		CallStackSet:  s.callStackSet.Load(),
		PidFilterSet:  s.pidFilterSet.Load(),
	}
}

// StartTime is the timestamp all recorded times are relative to.
func (s *Session) StartTime() uint64 { return s.startTime.Load() }

// RecordCount returns the number of records appended to the sink.
func (s *Session) RecordCount() uint64 { return s.recordCount.Load() }

// Overhead returns the time spent handling samples since the last submission.
// It stays zero unless Config.TrackOverhead is set.
func (s *Session) Overhead() time.Duration { return s.overhead.Load() }

func (s *Session) LastError() error { return s.lastErr.Load() }

// IsSystemWide reports whether samples of every process are recorded.
func (s *Session) IsSystemWide() bool { return !s.pidFilterSet.Load() }

// setLastError records err and, for non-nil errors, wakes the bound abort
// signal.
func (s *Session) setLastError(err error) {
	s.lastErr.Store(err)
	if err == nil {
		return
	}
	if a := s.abort.Load(); a != nil {
		a.Signal()
	}
}

func (s *Session) isStarted() bool {
	switch s.State() {
	case StateActive, StatePaused, StateStopping:
		return true
	default:
		return false
	}
}

// push appends cfg and returns its position in submission order.
func (s *Session) push(cfg *Configuration) int {
	s.arena = append(s.arena, cfg)
	s.order = append(s.order, len(s.arena)-1)
	if s.State() == StateIdle {
		s.state.Store(int32(StateConfigured))
	}
	return len(s.order) - 1
}

// AddEventConfiguration appends an event counter configuration.
func (s *Session) AddEventConfiguration(props EventProperties) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if limit := s.device.ResourceCount(KindEventCounter) * MaxQueueWeight; s.eventsCount >= limit {
		return fmt.Errorf("%d event configurations already added, at most %d: %w", s.eventsCount, limit, ErrResourceExhausted)
	}
	if s.isStarted() {
		return ErrBusy
	}
	if props.ControlValue&EventControlEnable == 0 {
		return fmt.Errorf("event control %#x has the enable bit clear: %w", props.ControlValue, ErrInvalidArgument)
	}
	if !props.Cores.validFor(s.device.CoresCount()) {
		return fmt.Errorf("core mask %s: %w", props.Cores, ErrInvalidArgument)
	}

	cfg := newEventConfiguration(props)
	s.push(cfg)
	s.eventsCount++
	if cfg.Counting {
		s.countingEventsCount++
	}
	s.eventSet.Store(true)
	return nil
}

// SetTimerConfiguration sets the single timer configuration.
func (s *Session) SetTimerConfiguration(props TimerProperties) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.device.ResourceCount(KindTimer) == 0 {
		return fmt.Errorf("no timer resource: %w", ErrResourceExhausted)
	}
	if s.isStarted() {
		return ErrBusy
	}
	if s.timerSet.Load() {
		return fmt.Errorf("timer: %w", ErrAlreadyConfigured)
	}
	if props.Granularity < 1 {
		return fmt.Errorf("timer granularity must be at least one tick: %w", ErrInvalidArgument)
	}
	if !props.Cores.validFor(s.device.CoresCount()) {
		return fmt.Errorf("core mask %s: %w", props.Cores, ErrInvalidArgument)
	}

	s.push(newTimerConfiguration(props))
	s.timerSet.Store(true)
	return nil
}

// SetIbsConfiguration sets the fetch and op sampling configurations. Either
// both requested configurations are installed or none.
func (s *Session) SetIbsConfiguration(props IbsProperties) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.device.ResourceCount(KindIbsFetch) == 0 || s.device.ResourceCount(KindIbsOp) == 0 {
		return fmt.Errorf("no ibs resource: %w", ErrResourceExhausted)
	}
	if s.isStarted() {
		return ErrBusy
	}
	if s.ibsSet.Load() {
		return fmt.Errorf("ibs: %w", ErrAlreadyConfigured)
	}
	if !props.ProfileFetch && !props.ProfileOp {
		return fmt.Errorf("neither ibs fetch nor op requested: %w", ErrInvalidArgument)
	}
	if props.OpDataMask&IbsOpBranchTarget != 0 && !s.device.HasIbsBranchTarget() {
		return fmt.Errorf("ibs branch target capture not supported: %w", ErrInvalidArgument)
	}
	if !props.Cores.validFor(s.device.CoresCount()) {
		return fmt.Errorf("core mask %s: %w", props.Cores, ErrInvalidArgument)
	}

	var (
		fetch, op *Configuration
		err       error
	)
	if props.ProfileFetch {
		if fetch, err = newIbsFetchConfiguration(props); err != nil {
			return err
		}
	}
	if props.ProfileOp {
		if op, err = newIbsOpConfiguration(props, s.device.HasIbsOpExtCount()); err != nil {
			return err
		}
	}

	fetchIdx, opIdx := -1, -1
	if fetch != nil {
		fetchIdx = s.push(fetch)
	}
	if op != nil {
		opIdx = s.push(op)
	}
	if fetch != nil && op != nil {
		fetch.Pair = opIdx
		op.Pair = fetchIdx
	}
	s.ibsSet.Store(true)
	return nil
}

// SetCallStackConfiguration enables call-stack sampling for the target
// process and attaches it.
func (s *Session) SetCallStackConfiguration(props CallStackProperties) error {
	if err := validateCallStackProperties(props); err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.isStarted() {
		return ErrBusy
	}
	if s.callStackSet.Load() {
		return fmt.Errorf("call stack: %w", ErrAlreadyConfigured)
	}

	if err := s.stacks.RegisterClient(s.id, s, props.CaptureStackValues); err != nil {
		return fmt.Errorf("registering call stack client: %w", err)
	}
	w := s.stacks.AcquireStackWalker(props.TargetPID, s.id, int(props.Depth), props.CodeRanges)
	if w == nil {
		s.stacks.UnregisterClient(s.id)
		return fmt.Errorf("no stack walker for pid %d: %w", props.TargetPID, ErrResourceExhausted)
	}
	s.walkers[props.TargetPID] = w

	s.css.Store(newCallStackSampling(props, s.device.CoresCount()))
	s.callStackSet.Store(true)
	s.attach(props.TargetPID, 0, 0)
	return nil
}

// SetOutputFile opens the sample file and, when tiPath is not empty, the
// process metadata file. The session start time is taken here.
func (s *Session) SetOutputFile(prdPath, tiPath string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.isStarted() {
		return ErrBusy
	}
	if s.outputFileSet.Load() {
		return fmt.Errorf("output file: %w", ErrAlreadyConfigured)
	}
	if prdPath == "" {
		return fmt.Errorf("empty output path: %w", ErrInvalidArgument)
	}
	if tiPath != "" && s.meta == nil {
		return fmt.Errorf("no metadata writer for %q: %w", tiPath, ErrInvalidArgument)
	}

	start := s.cfg.Clock()
	if err := s.sink.Open(prdPath, start); err != nil {
		return fmt.Errorf("opening %q: %w: %w", prdPath, ErrFileInvalid, err)
	}
	if tiPath != "" {
		if err := s.meta.Open(tiPath); err != nil {
			if cerr := s.sink.Close(); cerr != nil {
				level.Debug(s.logger).Log("msg", "failed to close sample sink", "err", cerr)
			}
			return fmt.Errorf("opening %q: %w: %w", tiPath, ErrFileInvalid, err)
		}
	}

	s.prdPath, s.tiPath = prdPath, tiPath
	s.startTime.Store(start)
	s.outputFileSet.Store(true)
	return nil
}

// SetProcessFilter restricts sampling to the given processes. The output
// file must be set first.
func (s *Session) SetProcessFilter(pids []uint32, autoAttachChildren bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.isStarted() {
		return ErrBusy
	}
	if !s.outputFileSet.Load() {
		return fmt.Errorf("process filter needs an output file: %w", ErrInvalidOperation)
	}
	if s.pidFilterSet.Load() {
		return fmt.Errorf("process filter: %w", ErrAlreadyConfigured)
	}

	added := 0
	for _, pid := range pids {
		if pid == 0 {
			continue
		}
		if s.attached.Attach(pid) {
			added++
		}
	}
	if added == 0 && s.attached.Len() == 0 {
		return fmt.Errorf("no process to filter on: %w", ErrInvalidArgument)
	}

	s.autoAttach.Store(autoAttachChildren)
	s.pidFilterSet.Store(true)
	for _, pid := range s.attached.Snapshot() {
		s.recordProcess(pid, 0, 0)
	}
	return nil
}

// Clear drops every configuration of a session that was not started.
func (s *Session) Clear() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.isStarted() {
		return ErrBusy
	}
	s.teardown()
	return nil
}

// Configurations returns the configurations in insertion order.
func (s *Session) Configurations() []*Configuration {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	cfgs := make([]*Configuration, 0, len(s.order))
	for _, i := range s.order {
		cfgs = append(cfgs, s.arena[i])
	}
	return cfgs
}

// EventConfigurations returns the properties of every event configuration.
func (s *Session) EventConfigurations() ([]EventProperties, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var props []EventProperties
	for _, i := range s.order {
		if c := s.arena[i]; c.event != nil {
			props = append(props, *c.event)
		}
	}
	if len(props) == 0 {
		return nil, ErrNotFound
	}
	return props, nil
}

func (s *Session) TimerConfiguration() (TimerProperties, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, i := range s.order {
		if c := s.arena[i]; c.timer != nil {
			return *c.timer, nil
		}
	}
	return TimerProperties{}, ErrNotFound
}

func (s *Session) IbsConfiguration() (IbsProperties, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, i := range s.order {
		if c := s.arena[i]; c.ibs != nil {
			return *c.ibs, nil
		}
	}
	return IbsProperties{}, ErrNotFound
}

func (s *Session) CallStackConfiguration() (CallStackProperties, error) {
	css := s.css.Load()
	if css == nil {
		return CallStackProperties{}, ErrNotFound
	}
	return css.props, nil
}

// OutputFiles returns the sample and metadata paths.
func (s *Session) OutputFiles() (string, string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.outputFileSet.Load() {
		return "", "", ErrNotFound
	}
	return s.prdPath, s.tiPath, nil
}

// MissedData returns the table of the current submission, or nil.
func (s *Session) MissedData() *MissedDataTable {
	if a := s.acct.Load(); a != nil {
		return a.missed
	}
	return nil
}

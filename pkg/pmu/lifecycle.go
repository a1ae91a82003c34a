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

	"github.com/go-kit/log/level"
)

// Start writes the output headers and submits the configurations to the
// hardware. Any failure stops the session. abort may be nil.
func (s *Session) Start(abort *AbortSignal) (err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	defer func() { s.metrics.transition(labelStart, err) }()

	if s.isStarted() {
		return ErrDeviceBusy
	}

	s.abort.Store(abort)
	s.setLastError(nil)

	if len(s.order) == 0 {
		return s.failStart(fmt.Errorf("no configuration: %w", ErrInvalidOperation))
	}
	// Pure counters are read back through ReadCountingEvent and need no file.
	if s.countingEventsCount != len(s.order) && !s.outputFileSet.Load() {
		return s.failStart(fmt.Errorf("sampling configurations need an output file: %w", ErrInvalidOperation))
	}
	if !s.outputFileSet.Load() {
		s.startTime.Store(s.cfg.Clock())
	}

	s.generation.Inc()
	s.state.Store(int32(StateActive))

	if s.outputFileSet.Load() {
		if err := s.sink.WriteProcessList(s.attached.Snapshot()); err != nil {
			return s.failStart(fmt.Errorf("writing process list: %w: %w", ErrFileInvalid, err))
		}
		start := s.startTime.Load()
		for _, ai := range s.order {
			cfg := s.arena[ai]
			if err := s.sink.WriteConfiguration(cfg, start); err != nil {
				return s.failStart(fmt.Errorf("writing configuration %s: %w: %w", cfg, ErrFileInvalid, err))
			}
		}
		if err := s.sink.ActivateAsynchronousMode(); err != nil {
			return s.failStart(fmt.Errorf("activating sample buffers: %w: %w", ErrOutOfMemory, err))
		}
	}

	if err := s.submit(); err != nil {
		return s.failStart(err)
	}

	level.Info(s.logger).Log(
		"msg", "session started",
		"session", s.id,
		"configurations", len(s.order),
		"attached", s.attached.Len(),
		"system_wide", s.IsSystemWide(),
	)
	return nil
}

func (s *Session) failStart(err error) error {
	s.setLastError(err)
	s.stop()
	return err
}

// Pause saves every counting value and removes the configurations from the
// hardware. Pausing a paused session does nothing.
func (s *Session) Pause() (err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	defer func() { s.metrics.transition(labelPause, err) }()

	switch s.State() {
	case StatePaused:
		return nil
	case StateActive:
	default:
		return fmt.Errorf("pausing a %s session: %w", s.State(), ErrUnsuccessful)
	}

	s.readCountingEvents()
	s.hardware.RemoveAllConfigurations(s.regID)
	s.state.Store(int32(StatePaused))
	return nil
}

// Resume submits the configurations again with fresh accounting tables. The
// session stays paused when the submission fails.
func (s *Session) Resume() (err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	defer func() { s.metrics.transition(labelResume, err) }()

	switch s.State() {
	case StateActive:
		return nil
	case StatePaused:
	default:
		return fmt.Errorf("resuming a %s session: %w", s.State(), ErrUnsuccessful)
	}

	s.state.Store(int32(StateActive))
	if err := s.submit(); err != nil {
		s.state.Store(int32(StatePaused))
		return err
	}
	return nil
}

// Stop removes the configurations from the hardware and tears the session
// down. Flush and close failures are kept as the last error, the hardware is
// released regardless.
func (s *Session) Stop() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.State() == StateStopping {
		return nil
	}
	s.stop()
	s.metrics.transition(labelStop, s.LastError())
	return nil
}

func (s *Session) stop() {
	switch s.State() {
	case StateStopping:
		return
	case StateActive, StatePaused:
		s.state.Store(int32(StateStopping))
		s.hardware.RemoveAllConfigurations(s.regID)
	}
	s.teardown()
}

// teardown releases everything the session holds and returns it to idle.
func (s *Session) teardown() {
	var errs error

	if s.sink.IsAsynchronousModeActive() {
		s.sink.DeactivateAsynchronousMode()
	}
	if s.sink.IsOpened() {
		if err := s.flushMissedData(); err != nil {
			errs = errors.Join(errs, err)
		}
		if err := s.sink.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("closing sample sink: %w: %w", ErrWriteError, err))
		}
	}
	if s.meta != nil && s.meta.IsOpened() {
		if err := s.meta.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("closing metadata: %w: %w", ErrWriteError, err))
		}
	}

	if s.callStackSet.Load() {
		s.stacks.UnregisterClient(s.id)
	}
	for pid, w := range s.walkers {
		w.Release()
		delete(s.walkers, pid)
	}

	s.arena = nil
	s.order = nil
	s.eventsCount = 0
	s.countingEventsCount = 0
	s.prdPath, s.tiPath = "", ""
	s.acct.Store(nil)
	s.css.Store(nil)
	s.attached.Reset()

	s.outputFileSet.Store(false)
	s.eventSet.Store(false)
	s.timerSet.Store(false)
	s.ibsSet.Store(false)
	s.callStackSet.Store(false)
	s.pidFilterSet.Store(false)
	s.autoAttach.Store(true)

	// Completions of earlier stack walks must not land in a later run.
	s.generation.Inc()
	s.startTime.Store(0)
	s.state.Store(int32(StateIdle))

	if errs != nil {
		level.Warn(s.logger).Log("msg", "session teardown incomplete", "session", s.id, "err", errs)
		s.setLastError(errs)
	}
	s.abort.Store(nil)
}

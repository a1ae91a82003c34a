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
	"github.com/go-kit/log/level"
)

// AttachToProcess adds pid to the monitored processes. core is the core the
// attach was observed on.
func (s *Session) AttachToProcess(pid, core uint32) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.attach(pid, 0, core)
}

func (s *Session) DetachFromProcess(pid uint32) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.detach(pid)
}

// IsAttachedToProcess never locks.
func (s *Session) IsAttachedToProcess(pid uint32) bool {
	return s.attached.Contains(pid)
}

// AttachedProcesses returns a copy of the monitored processes.
func (s *Session) AttachedProcesses() []uint32 {
	return s.attached.Snapshot()
}

// SetAutoAttachToChildProcesses controls whether children of monitored
// processes are monitored too.
func (s *Session) SetAutoAttachToChildProcesses(enabled bool) {
	s.autoAttach.Store(enabled)
}

// ProcessCreated attaches pid when its parent is monitored and either
// call-stack sampling or the process filter is on.
func (s *Session) ProcessCreated(parentPID, pid, core uint32) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	css := s.css.Load()
	if css == nil && !s.pidFilterSet.Load() {
		return
	}
	if !s.autoAttach.Load() || !s.attached.Contains(parentPID) {
		return
	}
	if !s.attach(pid, parentPID, core) || css == nil {
		return
	}

	w := s.stacks.AcquireStackWalker(pid, s.id, int(css.props.Depth), nil)
	if w == nil {
		level.Debug(s.logger).Log("msg", "no stack walker for child process", "session", s.id, "pid", pid, "parent", parentPID)
		return
	}
	if old, ok := s.walkers[pid]; ok {
		old.Release()
	}
	s.walkers[pid] = w
}

// ProcessDestroyed detaches pid and releases its stack walker.
func (s *Session) ProcessDestroyed(pid uint32) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.detach(pid)
}

func (s *Session) attach(pid, parentPID, core uint32) bool {
	if !s.attached.Attach(pid) {
		return false
	}
	if !s.IsSystemWide() {
		s.sink.AsyncWriteProcessID(pid, core)
		s.recordProcess(pid, parentPID, core)
	}
	return true
}

func (s *Session) detach(pid uint32) bool {
	if !s.attached.Detach(pid) {
		return false
	}
	if w, ok := s.walkers[pid]; ok {
		w.Release()
		delete(s.walkers, pid)
	}
	return true
}

func (s *Session) recordProcess(pid, parentPID, core uint32) {
	if s.meta == nil || !s.meta.IsOpened() {
		return
	}
	err := s.meta.WriteProcess(ProcessInfo{
		PID:       pid,
		ParentPID: parentPID,
		Core:      core,
		Timestamp: s.cfg.Clock() - s.startTime.Load(),
	})
	if err != nil {
		level.Debug(s.logger).Log("msg", "failed to record process", "session", s.id, "pid", pid, "err", err)
	}
}

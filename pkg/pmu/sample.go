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
	"time"
)

// OnSample records one hardware sample. It never blocks: when the sink has
// no buffer for the core the sample is counted as missed instead.
func (s *Session) OnSample(smp *Sample) {
	if !s.cfg.TrackOverhead {
		s.onSample(smp)
		return
	}
	begin := time.Now()
	s.onSample(smp)
	s.overhead.Add(time.Since(begin))
}

func (s *Session) onSample(smp *Sample) {
	if s.State() != StateActive {
		s.metrics.samplesDropped.Inc()
		return
	}
	acct := s.acct.Load()
	if acct == nil {
		s.metrics.samplesDropped.Inc()
		return
	}

	attached := s.attached.Contains(smp.ProcessID)
	if !s.IsSystemWide() && !attached {
		s.metrics.samplesFiltered.Inc()
		return
	}

	css := s.css.Load()
	cssEnabled := css != nil && attached

	var (
		kernelCaptured bool
		kernelCallers  []uint64
	)
	if cssEnabled && css.captureKernel() && smp.Privilege == PrivilegeKernel {
		cssEnabled = css.updateInterval(smp.Core)
		if cssEnabled {
			kernelCaptured = true
			kernelCallers = s.stacks.CaptureKernelStack(s.id, smp.Timestamp, smp.Frame, int(css.props.Depth))
		}
	}

	weight := acct.weights.slot(smp.Core, smp.Kind, smp.ResourceID)
	if weight == nil {
		s.metrics.samplesDropped.Inc()
		return
	}
	weightChanged := *weight != smp.Weight

	buf := s.sink.GetBuffer(BufferRequest{
		Core:          smp.Core,
		ExtraCallers:  len(kernelCallers),
		WeightChanged: weightChanged,
		ExtendedWords: len(smp.Extended),
	})
	if buf == nil {
		acct.missed.Increment(smp.Core, smp.Kind, smp.ResourceID, smp.ControlValue)
		s.metrics.samplesMissed.Inc()
		return
	}

	start := s.startTime.Load()
	records := 0
	if weightChanged {
		*weight = smp.Weight
		records += buf.AppendResourceWeights(smp.Core, smp.Kind, acct.weights.Row(smp.Core, smp.Kind))
	}
	records += buf.AppendSample(smp, start)
	if len(kernelCallers) != 0 {
		records += buf.AppendKernelCallStack(kernelCallers)
	}
	buf.Commit()
	s.recordCount.Add(uint64(records))
	s.metrics.samplesRecorded.Inc()

	if !cssEnabled || !css.captureUser() {
		return
	}
	if kernelCaptured || (smp.Privilege == PrivilegeUser && css.updateInterval(smp.Core)) {
		queued := s.stacks.EnqueueUserStackBackTrace(UserStackRequest{
			SessionID:  s.id,
			Generation: s.generation.Load(),
			Core:       smp.Core,
			ProcessID:  smp.ProcessID,
			ThreadID:   smp.ThreadID,
			Timestamp:  smp.Timestamp,
			Frame:      smp.Frame,
		})
		if queued {
			s.metrics.userStacksEnqueued.Inc()
		} else {
			s.metrics.userStacksDropped.Inc()
		}
	}
}

// OnUserStackComplete records the result of an asynchronous user stack
// walk. Completions that belong to an earlier run, or that arrive once the
// sink left asynchronous mode, are dropped.
func (s *Session) OnUserStackComplete(cs *UserCallStack) {
	if cs.SessionID != s.id || cs.Generation != s.generation.Load() {
		s.metrics.completionsDropped.Inc()
		return
	}
	if st := s.State(); st != StateActive && st != StatePaused {
		s.metrics.completionsDropped.Inc()
		return
	}
	if !s.sink.IsAsynchronousModeActive() {
		s.metrics.completionsDropped.Inc()
		return
	}

	buf := s.sink.GetBuffer(BufferRequest{
		Core:         cs.Core,
		ExtraCallers: len(cs.Callers),
		ExtraValues:  len(cs.Values),
		IsUserStack:  true,
		Is64Bit:      cs.Is64Bit,
	})
	if buf == nil {
		s.metrics.completionsDropped.Inc()
		return
	}

	start := s.startTime.Load()
	records := buf.AppendUserCallStack(cs, start)
	if len(cs.Values) != 0 {
		records += buf.AppendVirtualStack(cs.Values, cs.Offsets, cs.StackPtr, cs.FramePtr)
	}
	buf.Commit()
	s.recordCount.Add(uint64(records))
	s.metrics.completionsAccepted.Inc()
}

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

package hardware

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

const minSoftwareInterval = time.Millisecond

// TargetFunc returns the thread a synthesized sample on core is attributed
// to.
type TargetFunc func(core uint32) (pid, tid uint32, ip uint64)

// Software emulates the counters with timers. Sampling periods are read as
// nanoseconds, timer granularity as 0.1ms ticks and counting configurations
// count elapsed nanoseconds.
type Software struct {
	target TargetFunc
	clock  func() uint64

	// Samples of one core are delivered one at a time, as interrupts are.
	cores *xsync.MapOf[uint32, *sync.Mutex]
}

func NewSoftware(target TargetFunc, clock func() uint64) *Software {
	if clock == nil {
		clock = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
	return &Software{
		target: target,
		clock:  clock,
		cores:  xsync.NewMapOf[uint32, *sync.Mutex](),
	}
}

func (s *Software) Name() string {
	return "software"
}

func (s *Software) Open(core uint32, cfg *pmu.Configuration, deliver DeliverFunc) (Counter, error) {
	c := &softwareCounter{opened: time.Now()}
	if cfg.Counting {
		return c, nil
	}

	interval := time.Duration(cfg.Period)
	if cfg.Kind == pmu.KindTimer {
		interval = time.Duration(cfg.Granularity) * 100 * time.Microsecond
	}
	interval = max(interval, minSoftwareInterval)

	mtx, _ := s.cores.LoadOrCompute(core, func() *sync.Mutex { return &sync.Mutex{} })
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
			}
			smp := s.sample(core, cfg)
			mtx.Lock()
			deliver(smp)
			mtx.Unlock()
		}
	}()
	return c, nil
}

func (s *Software) sample(core uint32, cfg *pmu.Configuration) *pmu.Sample {
	smp := &pmu.Sample{
		Core:         core,
		Kind:         cfg.Kind,
		ResourceID:   cfg.ResourceID,
		ControlValue: cfg.ControlValue,
		Privilege:    pmu.PrivilegeUser,
		Timestamp:    s.clock(),
	}
	if s.target != nil {
		pid, tid, ip := s.target(core)
		smp.ProcessID, smp.ThreadID, smp.Frame.IP = pid, tid, ip
	}
	return smp
}

type softwareCounter struct {
	opened time.Time
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (c *softwareCounter) Read() (uint64, error) {
	return uint64(time.Since(c.opened)), nil
}

func (c *softwareCounter) Close() error {
	if c.stop == nil {
		return nil
	}
	c.once.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

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

//go:build linux

package hardware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

// Event select bits understood by the raw perf event type.
const rawEventMask uint64 = 0xFF | 0xFF<<8 | 1<<18 | 1<<23 | 0xFF<<24 | 0xF<<32

// Perf programs counting event configurations through perf_event_open, one
// system-wide event per core. Every other configuration goes to fallback.
type Perf struct {
	fallback Backend
}

func NewPerf(fallback Backend) *Perf {
	return &Perf{fallback: fallback}
}

func (p *Perf) Name() string {
	if p.fallback != nil {
		return "perf+" + p.fallback.Name()
	}
	return "perf"
}

func (p *Perf) Open(core uint32, cfg *pmu.Configuration, deliver DeliverFunc) (Counter, error) {
	if !cfg.Counting || cfg.Kind != pmu.KindEventCounter {
		if p.fallback == nil {
			return nil, fmt.Errorf("perf backend only counts events, %s requested: %w", cfg.Kind, pmu.ErrInsufficientResources)
		}
		return p.fallback.Open(core, cfg, deliver)
	}

	ctl := cfg.HardwareControl()
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_RAW,
		Config: ctl & rawEventMask,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeHv,
	}
	if ctl&pmu.EventControlUser == 0 {
		attr.Bits |= unix.PerfBitExcludeUser
	}
	if ctl&pmu.EventControlOS == 0 {
		attr.Bits |= unix.PerfBitExcludeKernel
	}

	fd, err := unix.PerfEventOpen(&attr, -1 /* pid */, int(core), -1 /* group */, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, classify("open perf event", err)
	}
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		unix.Close(fd)
		return nil, classify("enable perf event", err)
	}
	return &perfCounter{fd: fd}, nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%s: %w: %w", op, pmu.ErrAccessDenied, err)
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EMFILE):
		return fmt.Errorf("%s: %w: %w", op, pmu.ErrInsufficientResources, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

type perfCounter struct {
	fd int
}

func (c *perfCounter) Read() (uint64, error) {
	var buf [8]byte
	if _, err := unix.Read(c.fd, buf[:]); err != nil {
		return 0, fmt.Errorf("read perf event: %w", err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (c *perfCounter) Close() error {
	return unix.Close(c.fd)
}

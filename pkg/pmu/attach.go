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

	"go.uber.org/atomic"
)

// ProcessAttachList is a bounded set of process ids.
//
// Writers serialize on a mutex. Readers never lock: they load the published
// count and scan the slots below it. A slot is always stored before the count
// that exposes it, so a reader never sees a half-written entry.
type ProcessAttachList struct {
	mtx   sync.Mutex
	count atomic.Uint32
	slots [MaxPIDCount]atomic.Uint32
}

// Attach adds pid. It returns false when the list is full or pid is already
// present.
func (l *ProcessAttachList) Attach(pid uint32) bool {
	if l.count.Load() >= MaxPIDCount {
		return false
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	n := l.count.Load()
	if n >= MaxPIDCount {
		return false
	}
	for i := uint32(0); i < n; i++ {
		if l.slots[i].Load() == pid {
			return false
		}
	}

	l.slots[n].Store(pid)
	l.count.Store(n + 1)
	return true
}

// Detach removes pid by moving the last entry into its slot.
func (l *ProcessAttachList) Detach(pid uint32) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	n := l.count.Load()
	// Processes usually exit in reverse order of creation.
	for i := n; i > 0; i-- {
		idx := i - 1
		if l.slots[idx].Load() != pid {
			continue
		}
		last := n - 1
		l.slots[idx].Store(l.slots[last].Load())
		// The stale copy above the count is left for readers that loaded the
		// previous count.
		l.count.Store(last)
		return true
	}
	return false
}

// Contains reports whether pid is attached.
func (l *ProcessAttachList) Contains(pid uint32) bool {
	n := l.count.Load()
	for i := uint32(0); i < n; i++ {
		if l.slots[i].Load() == pid {
			return true
		}
	}
	return false
}

// Len returns the published count.
func (l *ProcessAttachList) Len() int {
	return int(l.count.Load())
}

// Snapshot copies the attached pids.
func (l *ProcessAttachList) Snapshot() []uint32 {
	n := l.count.Load()
	pids := make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		pids = append(pids, l.slots[i].Load())
	}
	return pids
}

// Reset drops every entry.
func (l *ProcessAttachList) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.count.Store(0)
}

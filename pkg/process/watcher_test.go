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

package process

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type event struct {
	created bool
	parent  uint32
	pid     uint32
}

type recorder struct {
	mtx    sync.Mutex
	events []event
}

func (r *recorder) ProcessCreated(parent, pid, _ uint32) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events = append(r.events, event{created: true, parent: parent, pid: pid})
}

func (r *recorder) ProcessDestroyed(pid uint32) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events = append(r.events, event{pid: pid})
}

type scripted struct {
	snapshots []map[int]Process
	err       error
}

func (s *scripted) scan() (map[int]Process, error) {
	if s.err != nil {
		return nil, s.err
	}
	snap := s.snapshots[0]
	if len(s.snapshots) > 1 {
		s.snapshots = s.snapshots[1:]
	}
	return snap, nil
}

func procs(ps ...Process) map[int]Process {
	m := make(map[int]Process, len(ps))
	for _, p := range ps {
		m[p.PID] = p
	}
	return m
}

func TestWatcherDiff(t *testing.T) {
	t.Parallel()

	src := &scripted{snapshots: []map[int]Process{
		procs(Process{PID: 1, Starttime: 1}, Process{PID: 10, Parent: 1, Starttime: 5}),
		procs(
			Process{PID: 1, Starttime: 1},
			// Reused pid.
			Process{PID: 10, Parent: 1, Starttime: 9},
			Process{PID: 12, Parent: 11, Starttime: 8},
			Process{PID: 11, Parent: 1, Starttime: 7},
		),
		procs(Process{PID: 1, Starttime: 1}, Process{PID: 11, Parent: 1, Starttime: 7}),
	}}

	w := NewWatcher(log.NewNopLogger(), prometheus.NewRegistry(), src.scan, time.Hour)
	rec := &recorder{}
	w.AddListener(rec)

	known, err := src.scan()
	require.NoError(t, err)
	w.known = known

	require.NoError(t, w.update())
	require.NoError(t, w.update())

	want := []event{
		{pid: 10},
		{created: true, parent: 1, pid: 11},
		{created: true, parent: 11, pid: 12},
		{created: true, parent: 1, pid: 10},
		{pid: 10},
		{pid: 12},
	}
	if diff := cmp.Diff(want, rec.events, cmp.AllowUnexported(event{})); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestWatcherRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &scripted{snapshots: []map[int]Process{
		procs(Process{PID: 1}),
		procs(Process{PID: 1}, Process{PID: 2, Parent: 1, Starttime: 3}),
	}}
	w := NewWatcher(log.NewNopLogger(), prometheus.NewRegistry(), src.scan, 10*time.Millisecond)
	rec := &recorder{}
	w.AddListener(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec.mtx.Lock()
		defer rec.mtx.Unlock()
		return len(rec.events) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, event{created: true, parent: 1, pid: 2}, rec.events[0])
}

func TestWatcherInitialScanFailure(t *testing.T) {
	t.Parallel()

	w := NewWatcher(log.NewNopLogger(), prometheus.NewRegistry(), (&scripted{err: errors.New("no procfs")}).scan, time.Hour)
	require.Error(t, w.Run(context.Background()))
}

func TestProcFSScannerSeesSelf(t *testing.T) {
	t.Parallel()

	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		t.Skip("procfs not available")
	}
	all, err := ProcFSScanner(pfs)()
	require.NoError(t, err)
	self, ok := all[os.Getpid()]
	require.True(t, ok)
	require.Equal(t, os.Getppid(), self.Parent)

	comm, _, err := Describe(pfs)(uint32(os.Getpid()))
	require.NoError(t, err)
	require.NotEmpty(t, comm)
}

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
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"
)

// Process is the part of /proc/<pid>/stat the watcher tracks.
type Process struct {
	PID    int
	Parent int
	// name of the field is the same as the one in kernel struct.
	Starttime uint64
}

// ScanFunc lists the live processes.
type ScanFunc func() (map[int]Process, error)

// ProcFSScanner lists processes through procfs. Processes that exit while
// being read are skipped.
func ProcFSScanner(pfs procfs.FS) ScanFunc {
	return func() (map[int]Process, error) {
		procs, err := pfs.AllProcs()
		if err != nil {
			return nil, fmt.Errorf("list processes: %w", err)
		}
		ret := make(map[int]Process, len(procs))
		for _, p := range procs {
			stat, err := p.Stat()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, fmt.Errorf("read stat of %d: %w", p.PID, err)
			}
			ret[p.PID] = Process{PID: p.PID, Parent: stat.PPID, Starttime: stat.Starttime}
		}
		return ret, nil
	}
}

// Listener is told about processes appearing and disappearing.
type Listener interface {
	ProcessCreated(parentPID, pid, core uint32)
	ProcessDestroyed(pid uint32)
}

// Watcher polls the process table and reports the differences to its
// listeners. A reused PID is reported as destroyed, then created.
type Watcher struct {
	logger   log.Logger
	interval time.Duration
	scan     ScanFunc

	created   prometheus.Counter
	destroyed prometheus.Counter
	scanFails prometheus.Counter

	mtx       sync.RWMutex
	listeners []Listener

	known map[int]Process
}

func NewWatcher(logger log.Logger, reg prometheus.Registerer, scan ScanFunc, interval time.Duration) *Watcher {
	events := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "parca_pmu_process_events_total",
		Help: "Total number of process creations and exits observed.",
	}, []string{"event"})
	return &Watcher{
		logger:    logger,
		interval:  interval,
		scan:      scan,
		created:   events.WithLabelValues("created"),
		destroyed: events.WithLabelValues("destroyed"),
		scanFails: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_pmu_process_scan_failures_total",
			Help: "Total number of process table scans that failed.",
		}),
	}
}

func (w *Watcher) AddListener(l Listener) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.listeners = append(w.listeners, l)
}

// Run takes a baseline of the process table and then reports changes every
// interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	known, err := w.scan()
	if err != nil {
		return fmt.Errorf("initial process scan: %w", err)
	}
	w.known = known
	level.Debug(w.logger).Log("msg", "process watcher started", "processes", len(known), "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := w.update(); err != nil {
			w.scanFails.Inc()
			level.Warn(w.logger).Log("msg", "failed to scan processes", "err", err)
		}
	}
}

func (w *Watcher) update() error {
	current, err := w.scan()
	if err != nil {
		return err
	}

	var gone, born []Process
	for pid, old := range w.known {
		if p, ok := current[pid]; !ok || p.Starttime != old.Starttime {
			gone = append(gone, old)
		}
	}
	for pid, p := range current {
		if old, ok := w.known[pid]; !ok || p.Starttime != old.Starttime {
			born = append(born, p)
		}
	}
	w.known = current

	// Parents are reported before their children.
	sort.Slice(born, func(i, j int) bool {
		if born[i].Starttime != born[j].Starttime {
			return born[i].Starttime < born[j].Starttime
		}
		return born[i].PID < born[j].PID
	})
	sort.Slice(gone, func(i, j int) bool { return gone[i].PID < gone[j].PID })

	w.mtx.RLock()
	defer w.mtx.RUnlock()
	for _, p := range gone {
		w.destroyed.Inc()
		for _, l := range w.listeners {
			l.ProcessDestroyed(uint32(p.PID))
		}
	}
	for _, p := range born {
		w.created.Inc()
		for _, l := range w.listeners {
			// Polling cannot tell which core the fork ran on.
			l.ProcessCreated(uint32(p.Parent), uint32(p.PID), 0)
		}
	}
	return nil
}

// Describe returns the command name and executable path of pid.
func Describe(pfs procfs.FS) func(pid uint32) (string, string, error) {
	return func(pid uint32) (string, string, error) {
		p, err := pfs.Proc(int(pid))
		if err != nil {
			return "", "", err
		}
		comm, err := p.Comm()
		if err != nil {
			return "", "", err
		}
		exe, err := p.Executable()
		if err != nil {
			// Kernel threads have no executable.
			return comm, "", nil
		}
		return comm, exe, nil
	}
}

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

package stackwalk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

const (
	DefaultWorkers    = 2
	DefaultQueueSize  = 1024
	DefaultMaxWalkers = 4 * pmu.MaxPIDCount
)

type Options struct {
	Workers    int
	QueueSize  int
	MaxWalkers int
	// Clock stamps the end of a walk. It must match the sample clock.
	Clock func() uint64
}

var _ pmu.CallStackDispatcher = (*Dispatcher)(nil)

// Dispatcher walks user stacks on a pool of workers and hands the results
// back to the session that asked for them.
type Dispatcher struct {
	logger   log.Logger
	metrics  *metrics
	unwinder Unwinder
	opts     Options

	clients *xsync.MapOf[uint32, *client]
	walkers *xsync.MapOf[uint32, *Walker]
	queue   chan pmu.UserStackRequest
}

type client struct {
	handler       pmu.StackCompletionHandler
	captureValues bool
}

func NewDispatcher(logger log.Logger, reg prometheus.Registerer, unwinder Unwinder, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxWalkers <= 0 {
		opts.MaxWalkers = DefaultMaxWalkers
	}
	if opts.Clock == nil {
		opts.Clock = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
	return &Dispatcher{
		logger:   logger,
		metrics:  newMetrics(reg),
		unwinder: unwinder,
		opts:     opts,
		clients:  xsync.NewMapOf[uint32, *client](),
		walkers:  xsync.NewMapOf[uint32, *Walker](),
		queue:    make(chan pmu.UserStackRequest, opts.QueueSize),
	}
}

// Run processes queued requests until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	level.Debug(d.logger).Log("msg", "stack walk workers starting", "workers", d.opts.Workers, "queue", d.opts.QueueSize)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case req := <-d.queue:
					d.process(&req)
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) RegisterClient(sessionID uint32, handler pmu.StackCompletionHandler, captureValues bool) error {
	if handler == nil {
		return fmt.Errorf("nil completion handler: %w", pmu.ErrInvalidArgument)
	}
	_, loaded := d.clients.LoadOrStore(sessionID, &client{handler: handler, captureValues: captureValues})
	if loaded {
		return fmt.Errorf("session %d already registered: %w", sessionID, pmu.ErrAlreadyConfigured)
	}
	return nil
}

// UnregisterClient stops routing completions to sessionID. Requests still
// queued for it are dropped.
func (d *Dispatcher) UnregisterClient(sessionID uint32) {
	d.clients.Delete(sessionID)
}

// AcquireStackWalker returns the walker of pid with one more reference,
// creating it when needed.
func (d *Dispatcher) AcquireStackWalker(pid, sessionID uint32, maxDepth int, ranges []pmu.CodeRange) pmu.StackWalker {
	if pid == 0 {
		return nil
	}
	if maxDepth <= 0 || maxDepth > pmu.MaxCallStackDepth {
		maxDepth = pmu.MaxCallStackDepth
	}

	refused := false
	w, _ := d.walkers.Compute(pid, func(old *Walker, loaded bool) (*Walker, bool) {
		if loaded && old.refs.Load() > 0 {
			old.refs.Inc()
			old.raiseDepth(maxDepth)
			old.addRanges(ranges)
			return old, false
		}
		if !loaded && d.walkers.Size() >= d.opts.MaxWalkers {
			refused = true
			return nil, true
		}
		nw := &Walker{d: d, pid: pid}
		nw.refs.Store(1)
		nw.maxDepth.Store(int32(maxDepth))
		nw.addRanges(ranges)
		if !loaded {
			d.metrics.walkers.Inc()
		}
		return nw, false
	})
	if refused || w == nil {
		d.metrics.walkerRefused.Inc()
		level.Debug(d.logger).Log("msg", "stack walker refused", "pid", pid, "session", sessionID, "walkers", d.walkers.Size())
		return nil
	}
	return w
}

// FindStackWalker returns the walker of pid without taking a reference.
func (d *Dispatcher) FindStackWalker(pid uint32) pmu.StackWalker {
	w, ok := d.walkers.Load(pid)
	if !ok {
		return nil
	}
	return w
}

// CaptureKernelStack returns the interrupted kernel address. Deeper kernel
// frames are not reachable from user space.
func (d *Dispatcher) CaptureKernelStack(_ uint32, _ uint64, frame pmu.TrapFrame, maxDepth int) []uint64 {
	if maxDepth <= 0 || frame.IP == 0 {
		return nil
	}
	return []uint64{frame.IP}
}

// EnqueueUserStackBackTrace never blocks.
func (d *Dispatcher) EnqueueUserStackBackTrace(req pmu.UserStackRequest) bool {
	select {
	case d.queue <- req:
		d.metrics.queued.Inc()
		return true
	default:
		d.metrics.queueFull.Inc()
		return false
	}
}

func (d *Dispatcher) process(req *pmu.UserStackRequest) {
	c, ok := d.clients.Load(req.SessionID)
	if !ok {
		d.metrics.noClient.Inc()
		return
	}
	w, ok := d.walkers.Load(req.ProcessID)
	if !ok {
		d.metrics.noWalker.Inc()
		return
	}

	cs := &pmu.UserCallStack{
		SessionID:  req.SessionID,
		Generation: req.Generation,
		Core:       req.Core,
		ProcessID:  req.ProcessID,
		ThreadID:   req.ThreadID,
		StartTime:  req.Timestamp,
	}
	begin := time.Now()
	err := d.unwinder.Unwind(req, w, c.captureValues, cs)
	d.metrics.unwindSeconds.Observe(time.Since(begin).Seconds())
	if err != nil {
		d.metrics.failed.Inc()
		return
	}
	cs.EndTime = d.opts.Clock()
	d.metrics.frames.Observe(float64(len(cs.Callers)))
	d.metrics.completed.Inc()
	c.handler.OnUserStackComplete(cs)
}

func (d *Dispatcher) release(w *Walker) {
	d.walkers.Compute(w.pid, func(old *Walker, loaded bool) (*Walker, bool) {
		if !loaded || old != w || old.refs.Load() > 0 {
			return old, !loaded
		}
		d.metrics.walkers.Dec()
		return nil, true
	})
}

// Walker holds what is needed to walk the user stacks of one process. It is
// shared by every session monitoring the process.
type Walker struct {
	d        *Dispatcher
	pid      uint32
	refs     atomic.Int32
	maxDepth atomic.Int32

	mtx    sync.RWMutex
	ranges []pmu.CodeRange
}

func (w *Walker) ProcessID() uint32 {
	return w.pid
}

// Release drops one reference. The last one removes the walker.
func (w *Walker) Release() {
	if w.refs.Dec() == 0 {
		w.d.release(w)
	}
}

func (w *Walker) MaxDepth() int {
	return int(w.maxDepth.Load())
}

// InCode reports whether addr falls into one of the code ranges. A walker
// without ranges accepts every address.
func (w *Walker) InCode(addr uint64) bool {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	if len(w.ranges) == 0 {
		return true
	}
	for _, r := range w.ranges {
		if addr >= r.Start && addr < r.End {
			return true
		}
	}
	return false
}

func (w *Walker) raiseDepth(depth int) {
	for {
		cur := w.maxDepth.Load()
		if int(cur) >= depth || w.maxDepth.CompareAndSwap(cur, int32(depth)) {
			return
		}
	}
}

func (w *Walker) addRanges(ranges []pmu.CodeRange) {
	if len(ranges) == 0 {
		return
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()

	for _, r := range ranges {
		if len(w.ranges) >= pmu.MaxCodeRanges {
			return
		}
		w.ranges = append(w.ranges, r)
	}
}

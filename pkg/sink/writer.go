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

package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

const (
	magic         = "PPRD"
	formatVersion = 1

	headerSize      = 4 + 2 + 1 + 1 + 8 + 8 + 8
	frameHeaderSize = 1 + 4 + 4 + 8
)

const (
	DefaultBufferSize     = 64 << 10
	DefaultBuffersPerCore = 4
)

// CreateFunc opens the destination of a sample file.
type CreateFunc func(path string) (io.WriteCloser, error)

func createFile(path string) (io.WriteCloser, error) {
	return os.Create(path)
}

type Options struct {
	Compression Compression
	// BufferSize is the size of one per-core block.
	BufferSize     int
	BuffersPerCore int
	// MaxMemory caps the memory of all blocks together. Zero means no cap.
	MaxMemory uint64
	// Frequency is the tick rate of the sample timestamps, in Hz.
	Frequency uint64
	HostID    uint64
	// WeightSlots is the length of the widest resource weight row.
	WeightSlots int
	Create      CreateFunc
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.BuffersPerCore <= 0 {
		o.BuffersPerCore = DefaultBuffersPerCore
	}
	if o.WeightSlots <= 0 {
		o.WeightSlots = pmu.MaxQueueWeight
	}
	if o.Create == nil {
		o.Create = createFile
	}
	return o
}

var _ pmu.SampleSink = (*Writer)(nil)

// Writer writes PRD sample files. Outside asynchronous mode records are
// written synchronously. In asynchronous mode every core appends to its own
// blocks, and full blocks are compressed and written by a flusher goroutine.
type Writer struct {
	logger  log.Logger
	metrics *metrics
	opts    Options
	cores   int

	mtx    sync.Mutex
	f      io.WriteCloser
	path   string
	opened atomic.Bool

	state    atomic.Pointer[asyncState]
	written  atomic.Uint64
	flushErr atomic.Error
}

type asyncState struct {
	buffers []*coreBuffer
	flushCh chan *block
	g       *errgroup.Group
}

type block struct {
	owner *coreBuffer
	buf   []byte
}

type coreBuffer struct {
	mtx     sync.Mutex
	cur     *block
	free    chan *block
	closed  bool
	scratch sampleBuffer
}

func NewWriter(logger log.Logger, reg prometheus.Registerer, cores int, opts Options) *Writer {
	return &Writer{
		logger:  logger,
		metrics: newMetrics(reg),
		opts:    opts.withDefaults(),
		cores:   cores,
	}
}

// Open creates the sample file and writes its header.
func (w *Writer) Open(path string, startTime uint64) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.opened.Load() {
		return fmt.Errorf("sample file %s already open: %w", w.path, pmu.ErrBusy)
	}
	f, err := w.opts.Create(path)
	if err != nil {
		return fmt.Errorf("create sample file: %w", err)
	}

	hdr := make(EfficientBuffer, 0, headerSize)
	eb := hdr.Slice(headerSize)
	eb.PutBytes([]byte(magic))
	eb.PutUint16(formatVersion)
	eb.PutUint8(uint8(w.opts.Compression))
	eb.PutUint8(0)
	eb.PutUint64(startTime)
	eb.PutUint64(w.opts.Frequency)
	eb.PutUint64(w.opts.HostID)
	if _, err := f.Write(hdr); err != nil {
		return errors.Join(fmt.Errorf("write sample file header: %w", err), f.Close())
	}

	w.f = f
	w.path = path
	w.written.Store(headerSize)
	w.flushErr.Store(nil)
	w.opened.Store(true)
	return nil
}

// Close leaves asynchronous mode and closes the file. Errors of earlier
// block writes are returned as well.
func (w *Writer) Close() error {
	w.DeactivateAsynchronousMode()

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if !w.opened.Load() {
		return nil
	}
	w.opened.Store(false)

	err := w.flushErr.Load()
	if cerr := w.f.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close sample file: %w", cerr))
	}
	level.Debug(w.logger).Log("msg", "sample file closed", "path", w.path, "size", humanize.Bytes(w.written.Load()))
	w.f = nil
	return err
}

func (w *Writer) IsOpened() bool {
	return w.opened.Load()
}

func (w *Writer) Path() string {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.path
}

func (w *Writer) WriteProcessList(pids []uint32) error {
	return w.writeSync(1+4+4*len(pids), func(eb *EfficientBuffer) {
		putProcessList(eb, pids)
	})
}

func (w *Writer) WriteConfiguration(cfg *pmu.Configuration, startTime uint64) error {
	return w.writeSync(configurationSize(cfg), func(eb *EfficientBuffer) {
		putConfiguration(eb, cfg, startTime)
	})
}

func (w *Writer) WriteMissedData(rec pmu.MissedRecord) error {
	return w.writeSync(missedRecordSize, func(eb *EfficientBuffer) {
		putMissedData(eb, rec)
	})
}

func (w *Writer) writeSync(size int, put func(eb *EfficientBuffer)) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if !w.opened.Load() {
		return fmt.Errorf("sample file not open: %w", pmu.ErrInvalidOperation)
	}
	if w.state.Load() != nil {
		return fmt.Errorf("synchronous write in asynchronous mode: %w", pmu.ErrInvalidOperation)
	}

	raw := make(EfficientBuffer, 0, size)
	eb := raw.Slice(size)
	put(&eb)
	return w.writeBlock(raw)
}

// writeBlock frames and writes raw. w.mtx must be held.
func (w *Writer) writeBlock(raw []byte) error {
	codec, payload, err := compress(w.opts.Compression, raw)
	if err != nil {
		return err
	}

	hdr := make(EfficientBuffer, 0, frameHeaderSize)
	eb := hdr.Slice(frameHeaderSize)
	eb.PutUint8(uint8(codec))
	eb.PutUint32(uint32(len(raw)))
	eb.PutUint32(uint32(len(payload)))
	eb.PutUint64(xxhash.Sum64(raw))

	if _, err := w.f.Write(hdr); err != nil {
		return fmt.Errorf("write block header: %w", err)
	}
	if _, err := w.f.Write(payload); err != nil {
		return fmt.Errorf("write block: %w", err)
	}

	w.written.Add(uint64(frameHeaderSize + len(payload)))
	w.metrics.blocksWritten.WithLabelValues(codec.String()).Inc()
	w.metrics.rawBytes.Add(float64(len(raw)))
	w.metrics.writtenBytes.Add(float64(frameHeaderSize + len(payload)))
	return nil
}

// ActivateAsynchronousMode allocates the per-core blocks and starts the
// flusher.
func (w *Writer) ActivateAsynchronousMode() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if !w.opened.Load() {
		return fmt.Errorf("sample file not open: %w", pmu.ErrInvalidOperation)
	}
	if w.state.Load() != nil {
		return nil
	}

	total := uint64(w.cores) * uint64(w.opts.BuffersPerCore) * uint64(w.opts.BufferSize)
	if w.opts.MaxMemory != 0 && total > w.opts.MaxMemory {
		return fmt.Errorf("sample buffers need %s, limit is %s: %w",
			humanize.Bytes(total), humanize.Bytes(w.opts.MaxMemory), pmu.ErrOutOfMemory)
	}

	st := &asyncState{
		buffers: make([]*coreBuffer, w.cores),
		flushCh: make(chan *block, w.cores*w.opts.BuffersPerCore),
		g:       &errgroup.Group{},
	}
	for i := range st.buffers {
		cb := &coreBuffer{free: make(chan *block, w.opts.BuffersPerCore)}
		for j := 0; j < w.opts.BuffersPerCore; j++ {
			cb.free <- &block{owner: cb, buf: make([]byte, 0, w.opts.BufferSize)}
		}
		st.buffers[i] = cb
	}
	st.g.Go(func() error {
		return w.flushLoop(st.flushCh)
	})

	level.Debug(w.logger).Log("msg", "sample buffers allocated", "cores", w.cores, "size", humanize.Bytes(total))
	w.state.Store(st)
	return nil
}

// DeactivateAsynchronousMode hands every partially filled block to the
// flusher and waits for it to finish.
func (w *Writer) DeactivateAsynchronousMode() {
	st := w.state.Swap(nil)
	if st == nil {
		return
	}

	for _, cb := range st.buffers {
		cb.mtx.Lock()
		cb.closed = true
		if cb.cur != nil {
			if len(cb.cur.buf) != 0 {
				st.flushCh <- cb.cur
			} else {
				cb.free <- cb.cur
			}
			cb.cur = nil
		}
		cb.mtx.Unlock()
	}
	close(st.flushCh)

	if err := st.g.Wait(); err != nil {
		level.Warn(w.logger).Log("msg", "flushing sample blocks failed", "path", w.Path(), "err", err)
	}
}

func (w *Writer) IsAsynchronousModeActive() bool {
	return w.state.Load() != nil
}

func (w *Writer) flushLoop(flushCh <-chan *block) error {
	var first error
	for b := range flushCh {
		begin := time.Now()
		w.mtx.Lock()
		err := w.writeBlock(b.buf)
		w.mtx.Unlock()
		w.metrics.flushDuration.Observe(time.Since(begin).Seconds())

		if err != nil {
			w.metrics.flushErrors.Inc()
			if first == nil {
				first = err
				w.flushErr.Store(fmt.Errorf("%w: %w", pmu.ErrWriteError, err))
			}
		}
		b.buf = b.buf[:0]
		b.owner.free <- b
	}
	return first
}

// GetBuffer reserves room for the records described by req in the block of
// req.Core. It returns nil instead of waiting for a free block or for
// another writer of the same core.
func (w *Writer) GetBuffer(req pmu.BufferRequest) pmu.SampleBuffer {
	st := w.state.Load()
	if st == nil || int(req.Core) >= len(st.buffers) {
		return nil
	}
	need := w.requestSize(req)
	if need > w.opts.BufferSize {
		w.metrics.bufferExhausted.Inc()
		return nil
	}

	cb := st.buffers[req.Core]
	if !cb.mtx.TryLock() {
		w.metrics.bufferContended.Inc()
		return nil
	}
	if !cb.reserve(need, st.flushCh) {
		cb.mtx.Unlock()
		w.metrics.bufferExhausted.Inc()
		return nil
	}
	return &cb.scratch
}

// AsyncWriteProcessID records that pid was attached while sampling.
func (w *Writer) AsyncWriteProcessID(pid, core uint32) {
	st := w.state.Load()
	if st == nil || int(core) >= len(st.buffers) {
		return
	}

	cb := st.buffers[core]
	cb.mtx.Lock()
	if !cb.reserve(processIDRecordSize, st.flushCh) {
		cb.mtx.Unlock()
		w.metrics.bufferExhausted.Inc()
		return
	}
	sb := &cb.scratch
	putProcessID(&sb.rest, pid, core)
	sb.Commit()
}

func (w *Writer) requestSize(req pmu.BufferRequest) int {
	if req.IsUserStack {
		n := userStackSize(req.ExtraCallers, req.Is64Bit)
		if req.ExtraValues != 0 {
			n += virtualStackRecordSize + req.ExtraValues*(4+2)
		}
		return n
	}

	n := sampleRecordSize + req.ExtendedWords*8
	if req.ExtraCallers != 0 {
		n += kernelStackRecordSize + req.ExtraCallers*8
	}
	if req.WeightChanged {
		n += weightsRecordSize + w.opts.WeightSlots
	}
	return n
}

// reserve makes room for need bytes in the current block. cb.mtx must be
// held.
func (cb *coreBuffer) reserve(need int, flushCh chan<- *block) bool {
	if cb.closed {
		return false
	}
	if cb.cur != nil && cap(cb.cur.buf)-len(cb.cur.buf) < need {
		// flushCh holds every block, the send never blocks.
		flushCh <- cb.cur
		cb.cur = nil
	}
	if cb.cur == nil {
		select {
		case b := <-cb.free:
			cb.cur = b
		default:
			return false
		}
	}

	start := len(cb.cur.buf)
	eb := EfficientBuffer(cb.cur.buf)
	rest := eb.Slice(need)
	cb.cur.buf = eb
	cb.scratch = sampleBuffer{cb: cb, start: start, size: need, rest: rest}
	return true
}

// sampleBuffer is the reservation handed out by GetBuffer. The core lock is
// held until Commit.
type sampleBuffer struct {
	cb    *coreBuffer
	start int
	size  int
	rest  EfficientBuffer
}

func (sb *sampleBuffer) AppendSample(s *pmu.Sample, startTime uint64) int {
	if len(sb.rest) < sampleRecordSize+len(s.Extended)*8 {
		return 0
	}
	putSample(&sb.rest, s, startTime)
	return 1
}

func (sb *sampleBuffer) AppendResourceWeights(core uint32, kind pmu.Kind, weights []uint8) int {
	if len(sb.rest) < weightsRecordSize+len(weights) {
		return 0
	}
	putResourceWeights(&sb.rest, core, kind, weights)
	return 1
}

func (sb *sampleBuffer) AppendKernelCallStack(callers []uint64) int {
	if len(sb.rest) < kernelStackRecordSize+len(callers)*8 {
		return 0
	}
	putKernelCallStack(&sb.rest, callers)
	return 1
}

func (sb *sampleBuffer) AppendUserCallStack(cs *pmu.UserCallStack, startTime uint64) int {
	if len(sb.rest) < userStackSize(len(cs.Callers), cs.Is64Bit) {
		return 0
	}
	putUserCallStack(&sb.rest, cs, startTime)
	return 1
}

func (sb *sampleBuffer) AppendVirtualStack(values []uint32, offsets []uint16, stackPtr, framePtr uint64) int {
	if len(sb.rest) < virtualStackRecordSize+len(values)*4+len(offsets)*2 {
		return 0
	}
	putVirtualStack(&sb.rest, values, offsets, stackPtr, framePtr)
	return 1
}

// Commit keeps the appended records and releases the core.
func (sb *sampleBuffer) Commit() {
	cb := sb.cb
	cb.cur.buf = cb.cur.buf[:sb.start+sb.size-len(sb.rest)]
	sb.rest = nil
	cb.mtx.Unlock()
}

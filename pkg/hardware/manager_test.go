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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

type testDevice struct{ cores int }

func (d testDevice) CoresCount() int { return d.cores }
func (d testDevice) ResourceCount(k pmu.Kind) int {
	if k == pmu.KindEventCounter {
		return 2
	}
	return 1
}
func (d testDevice) MaxResourceCount() int { return 2 }
func (d testDevice) HasIbsBranchTarget() bool { return false }
func (d testDevice) HasIbsOpExtCount() bool { return false }

type fakeCounter struct {
	value  uint64
	closed atomic.Bool
}

func (c *fakeCounter) Read() (uint64, error) { return c.value, nil }
func (c *fakeCounter) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeBackend struct {
	mtx      sync.Mutex
	err      error
	counters []*fakeCounter
	deliver  []DeliverFunc
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Open(_ uint32, _ *pmu.Configuration, deliver DeliverFunc) (Counter, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	c := &fakeCounter{value: uint64(len(b.counters) + 10)}
	b.counters = append(b.counters, c)
	b.deliver = append(b.deliver, deliver)
	return c, nil
}

type countingHandler struct{ n atomic.Int64 }

func (h *countingHandler) OnSample(*pmu.Sample) { h.n.Inc() }

func eventConfig(resourceID uint8, cores ...uint32) *pmu.Configuration {
	return &pmu.Configuration{
		Kind:         pmu.KindEventCounter,
		ResourceID:   resourceID,
		ControlValue: pmu.EventControlEnable | pmu.EventControlInterrupt | 0x76,
		Cores:        pmu.NewCoreMask(cores...),
		Period:       1000,
		Pair:         -1,
	}
}

func newTestManager(backend Backend) *Manager {
	return NewManager(log.NewNopLogger(), prometheus.NewRegistry(), testDevice{cores: 2}, backend)
}

func TestManagerSlotExhaustion(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeBackend{})
	a, err := m.Register(&countingHandler{})
	require.NoError(t, err)
	b, err := m.Register(&countingHandler{})
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	cfg := eventConfig(0, 0, 1)
	require.NoError(t, m.AddConfiguration(a, 0, cfg))
	require.ErrorIs(t, m.AddConfiguration(a, 0, cfg), pmu.ErrInsufficientResources)
	require.ErrorIs(t, m.AddConfiguration(b, 0, cfg), pmu.ErrInsufficientResources)
	require.ErrorIs(t, m.AddConfiguration(b, 0, cfg), pmu.ErrResourceExhausted)
	require.NoError(t, m.AddConfiguration(b, 1, cfg))
	require.ErrorIs(t, m.AddConfiguration(b, 0, eventConfig(2, 0)), pmu.ErrInsufficientResources)
	require.ErrorIs(t, m.AddConfiguration(b, 3, cfg), pmu.ErrInvalidArgument)

	m.RemoveAllConfigurations(a)
	require.NoError(t, m.AddConfiguration(b, 0, cfg))
}

func TestManagerAccessDenied(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	m := newTestManager(backend)
	require.ErrorIs(t, m.AddConfiguration(7, 0, eventConfig(0, 0)), pmu.ErrAccessDenied)

	id, err := m.Register(&countingHandler{})
	require.NoError(t, err)

	backend.err = errors.New("operation not supported")
	require.ErrorIs(t, m.AddConfiguration(id, 0, eventConfig(0, 0)), pmu.ErrAccessDenied)

	backend.err = pmu.ErrInsufficientResources
	err = m.AddConfiguration(id, 0, eventConfig(0, 0))
	require.ErrorIs(t, err, pmu.ErrInsufficientResources)
	require.NotErrorIs(t, err, pmu.ErrAccessDenied)

	require.NoError(t, m.Unregister(id))
	require.ErrorIs(t, m.AddConfiguration(id, 0, eventConfig(0, 0)), pmu.ErrAccessDenied)
	require.ErrorIs(t, m.Unregister(id), pmu.ErrNotFound)
}

func TestManagerReadCount(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeBackend{})
	id, err := m.Register(&countingHandler{})
	require.NoError(t, err)

	cfg := eventConfig(1, 0)
	cfg.Counting = true
	require.NoError(t, m.AddConfiguration(id, 0, cfg))

	v, err := m.ReadCount(id, 0, cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(10), v)

	_, err = m.ReadCount(id, 1, cfg)
	require.ErrorIs(t, err, pmu.ErrNotFound)
}

func TestManagerNoDeliveryAfterRemoveAll(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	m := newTestManager(backend)
	h := &countingHandler{}
	id, err := m.Register(h)
	require.NoError(t, err)
	require.NoError(t, m.AddConfiguration(id, 0, eventConfig(0, 0)))

	deliver := backend.deliver[0]
	deliver(&pmu.Sample{})
	require.Equal(t, int64(1), h.n.Load())

	m.RemoveAllConfigurations(id)
	require.True(t, backend.counters[0].closed.Load())

	deliver(&pmu.Sample{})
	require.Equal(t, int64(1), h.n.Load())
}

func TestManagerSoftwareTimer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(NewSoftware(func(uint32) (uint32, uint32, uint64) {
		return 42, 43, 0x401000
	}, nil))

	samples := make(chan *pmu.Sample, 16)
	id, err := m.Register(handlerFunc(func(s *pmu.Sample) {
		select {
		case samples <- s:
		default:
		}
	}))
	require.NoError(t, err)

	cfg := &pmu.Configuration{Kind: pmu.KindTimer, Granularity: 10, Cores: pmu.NewCoreMask(1), Pair: -1}
	require.NoError(t, m.AddConfiguration(id, 1, cfg))

	select {
	case s := <-samples:
		require.Equal(t, uint32(1), s.Core)
		require.Equal(t, pmu.KindTimer, s.Kind)
		require.Equal(t, uint32(42), s.ProcessID)
		require.Equal(t, uint32(43), s.ThreadID)
		require.Equal(t, uint64(0x401000), s.Frame.IP)
	case <-time.After(5 * time.Second):
		t.Fatal("no timer sample delivered")
	}

	require.NoError(t, m.Unregister(id))
}

func TestSoftwareCountingReadsElapsedTime(t *testing.T) {
	t.Parallel()

	c, err := NewSoftware(nil, nil).Open(0, &pmu.Configuration{Kind: pmu.KindEventCounter, Counting: true}, nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	v, err := c.Read()
	require.NoError(t, err)
	require.GreaterOrEqual(t, v, uint64(time.Millisecond))
	require.NoError(t, c.Close())
}

type handlerFunc func(s *pmu.Sample)

func (f handlerFunc) OnSample(s *pmu.Sample) { f(s) }

// gatedBackend parks Open until gate is closed.
type gatedBackend struct {
	fakeBackend
	entered chan struct{}
	gate    chan struct{}
}

func (b *gatedBackend) Open(core uint32, cfg *pmu.Configuration, deliver DeliverFunc) (Counter, error) {
	if cfg.ResourceID == 1 {
		close(b.entered)
		<-b.gate
	}
	return b.fakeBackend.Open(core, cfg, deliver)
}

func TestManagerDeliveryDoesNotWaitOnOpen(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := &gatedBackend{entered: make(chan struct{}), gate: make(chan struct{})}
	m := newTestManager(backend)
	h := &countingHandler{}
	a, err := m.Register(h)
	require.NoError(t, err)
	b, err := m.Register(&countingHandler{})
	require.NoError(t, err)
	require.NoError(t, m.AddConfiguration(a, 0, eventConfig(0, 0)))

	added := make(chan error, 1)
	go func() { added <- m.AddConfiguration(b, 0, eventConfig(1, 0)) }()
	<-backend.entered

	delivered := make(chan struct{})
	go func() {
		backend.deliver[0](&pmu.Sample{})
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("sample delivery waited on another registration opening a counter")
	}
	require.Equal(t, int64(1), h.n.Load())

	// The reserved slot is not free while the backend is opening it.
	require.ErrorIs(t, m.AddConfiguration(a, 0, eventConfig(1, 0)), pmu.ErrInsufficientResources)

	close(backend.gate)
	require.NoError(t, <-added)
	_, err = m.ReadCount(b, 0, eventConfig(1, 0))
	require.NoError(t, err)
}

func TestManagerRemoveAllWhileOpening(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := &gatedBackend{entered: make(chan struct{}), gate: make(chan struct{})}
	m := newTestManager(backend)
	id, err := m.Register(&countingHandler{})
	require.NoError(t, err)

	added := make(chan error, 1)
	go func() { added <- m.AddConfiguration(id, 0, eventConfig(1, 0)) }()
	<-backend.entered

	m.RemoveAllConfigurations(id)
	close(backend.gate)
	require.ErrorIs(t, <-added, pmu.ErrAccessDenied)

	// The late counter was closed and its slot is free again.
	require.True(t, backend.counters[0].closed.Load())
	require.NoError(t, m.AddConfiguration(id, 0, eventConfig(0, 0)))
}

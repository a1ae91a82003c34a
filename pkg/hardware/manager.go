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
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

var _ pmu.HardwareResourceManager = (*Manager)(nil)

type slotKey struct {
	core       uint32
	kind       pmu.Kind
	resourceID uint8
}

// counterEntry is created when a slot is reserved. counter is set once the
// backend opened it, live only while the slot is programmed.
type counterEntry struct {
	key     slotKey
	handler pmu.SampleHandler
	counter Counter
	live    atomic.Bool
}

type registration struct {
	handler  pmu.SampleHandler
	counters map[slotKey]*counterEntry
}

// Manager arbitrates the per-core counter slots between sessions and routes
// the samples of every programmed configuration to the session that owns it.
type Manager struct {
	logger  log.Logger
	metrics *metrics
	device  pmu.Device
	backend Backend

	mtx    sync.RWMutex
	nextID pmu.RegistrationID
	regs   map[pmu.RegistrationID]*registration
	owners map[slotKey]pmu.RegistrationID
}

func NewManager(logger log.Logger, reg prometheus.Registerer, device pmu.Device, backend Backend) *Manager {
	m := &Manager{
		logger:  logger,
		metrics: newMetrics(reg),
		device:  device,
		backend: backend,
		regs:    map[pmu.RegistrationID]*registration{},
		owners:  map[slotKey]pmu.RegistrationID{},
	}
	for k := pmu.Kind(0); int(k) < pmu.NumKinds; k++ {
		m.metrics.configurations.WithLabelValues(k.String())
	}
	return m
}

func (m *Manager) Register(handler pmu.SampleHandler) (pmu.RegistrationID, error) {
	if handler == nil {
		return 0, fmt.Errorf("nil sample handler: %w", pmu.ErrInvalidArgument)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.nextID++
	m.regs[m.nextID] = &registration{handler: handler, counters: map[slotKey]*counterEntry{}}
	m.metrics.registrations.Inc()
	level.Debug(m.logger).Log("msg", "session registered", "registration", m.nextID, "backend", m.backend.Name())
	return m.nextID, nil
}

// Unregister removes every configuration of id and forgets it.
func (m *Manager) Unregister(id pmu.RegistrationID) error {
	entries, err := m.detach(id, true)
	if err != nil {
		return err
	}
	m.closeAll(entries)
	m.metrics.registrations.Dec()
	return nil
}

// AddConfiguration programs cfg on core for id. The slot is reserved under
// the lock and the backend opened without it, so sample delivery of other
// sessions never waits on a counter being set up.
func (m *Manager) AddConfiguration(id pmu.RegistrationID, core uint32, cfg *pmu.Configuration) error {
	e, err := m.reserve(id, core, cfg)
	if err != nil {
		return err
	}

	c, err := m.backend.Open(core, cfg, func(s *pmu.Sample) {
		m.deliver(e, s)
	})
	if err != nil {
		m.release(id, e)
		if errors.Is(err, pmu.ErrAccessDenied) {
			m.metrics.addFailures.WithLabelValues(reasonAccessDenied).Inc()
			return err
		}
		m.metrics.addFailures.WithLabelValues(reasonBackend).Inc()
		if errors.Is(err, pmu.ErrInsufficientResources) {
			return err
		}
		return fmt.Errorf("%s backend: %w: %w", m.backend.Name(), pmu.ErrAccessDenied, err)
	}

	if !m.publish(id, e, c) {
		// The configurations of id were removed while the backend was opening.
		if err := c.Close(); err != nil {
			level.Warn(m.logger).Log("msg", "closing counter", "core", core, "kind", cfg.Kind, "err", err)
		}
		return fmt.Errorf("registration %d removed while adding %s: %w", id, cfg, pmu.ErrAccessDenied)
	}
	return nil
}

func (m *Manager) reserve(id pmu.RegistrationID, core uint32, cfg *pmu.Configuration) (*counterEntry, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	r, ok := m.regs[id]
	if !ok {
		m.metrics.addFailures.WithLabelValues(reasonAccessDenied).Inc()
		return nil, fmt.Errorf("registration %d: %w", id, pmu.ErrAccessDenied)
	}
	if int(core) >= m.device.CoresCount() || !cfg.IsValidCore(core) {
		m.metrics.addFailures.WithLabelValues(reasonInvalid).Inc()
		return nil, fmt.Errorf("core %d: %w", core, pmu.ErrInvalidArgument)
	}

	key := slotKey{core: core, kind: cfg.Kind, resourceID: cfg.ResourceID}
	if int(cfg.ResourceID) >= m.device.ResourceCount(cfg.Kind) {
		m.metrics.addFailures.WithLabelValues(reasonSlotTaken).Inc()
		return nil, fmt.Errorf("%s slot %d does not exist: %w", cfg.Kind, cfg.ResourceID, pmu.ErrInsufficientResources)
	}
	if owner, taken := m.owners[key]; taken {
		m.metrics.addFailures.WithLabelValues(reasonSlotTaken).Inc()
		return nil, fmt.Errorf("%s slot %d on core %d held by registration %d: %w",
			cfg.Kind, cfg.ResourceID, core, owner, pmu.ErrInsufficientResources)
	}

	e := &counterEntry{key: key, handler: r.handler}
	r.counters[key] = e
	m.owners[key] = id
	return e, nil
}

// release drops a reservation whose backend failed to open.
func (m *Manager) release(id pmu.RegistrationID, e *counterEntry) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	r, ok := m.regs[id]
	if !ok || r.counters[e.key] != e {
		return
	}
	delete(r.counters, e.key)
	delete(m.owners, e.key)
}

// publish makes an opened counter live. It reports false when the
// reservation was detached in the meantime.
func (m *Manager) publish(id pmu.RegistrationID, e *counterEntry, c Counter) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	r, ok := m.regs[id]
	if !ok || r.counters[e.key] != e {
		return false
	}
	e.counter = c
	e.live.Store(true)
	m.metrics.configurations.WithLabelValues(e.key.kind.String()).Inc()
	return true
}

// RemoveAllConfigurations stops every configuration of id. Once it returns
// no further sample is delivered for them.
func (m *Manager) RemoveAllConfigurations(id pmu.RegistrationID) {
	entries, err := m.detach(id, false)
	if err != nil {
		level.Debug(m.logger).Log("msg", "removing configurations", "registration", id, "err", err)
		return
	}
	m.closeAll(entries)
}

func (m *Manager) ReadCount(id pmu.RegistrationID, core uint32, cfg *pmu.Configuration) (uint64, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	r, ok := m.regs[id]
	if !ok {
		return 0, fmt.Errorf("registration %d: %w", id, pmu.ErrAccessDenied)
	}
	e, ok := r.counters[slotKey{core: core, kind: cfg.Kind, resourceID: cfg.ResourceID}]
	if !ok || e.counter == nil {
		return 0, fmt.Errorf("%s slot %d on core %d: %w", cfg.Kind, cfg.ResourceID, core, pmu.ErrNotFound)
	}
	return e.counter.Read()
}

// detach unlinks the counters of id, reservations still being opened
// included. Deliveries already past the live check are waited for by
// closeAll.
func (m *Manager) detach(id pmu.RegistrationID, forget bool) ([]*counterEntry, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	r, ok := m.regs[id]
	if !ok {
		return nil, fmt.Errorf("registration %d: %w", id, pmu.ErrNotFound)
	}
	entries := make([]*counterEntry, 0, len(r.counters))
	for key, e := range r.counters {
		delete(m.owners, key)
		delete(r.counters, key)
		if e.counter == nil {
			continue
		}
		e.live.Store(false)
		m.metrics.configurations.WithLabelValues(key.kind.String()).Dec()
		entries = append(entries, e)
	}
	if forget {
		delete(m.regs, id)
	}
	return entries, nil
}

// closeAll runs without the lock. Counter.Close waits for the producer of
// the counter, so once it returns no delivery for it is in flight.
func (m *Manager) closeAll(entries []*counterEntry) {
	for _, e := range entries {
		if err := e.counter.Close(); err != nil {
			level.Warn(m.logger).Log("msg", "closing counter", "core", e.key.core, "kind", e.key.kind, "err", err)
		}
	}
}

// deliver runs on the sample path and takes no lock.
func (m *Manager) deliver(e *counterEntry, s *pmu.Sample) {
	if !e.live.Load() {
		m.metrics.orphanSamples.Inc()
		return
	}
	m.metrics.samples.Inc()
	e.handler.OnSample(s)
}

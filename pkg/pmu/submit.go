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
	"errors"
	"fmt"

	"github.com/go-kit/log/level"
)

// SubmitConfigurations programs every configuration on every core of its
// mask. Fresh accounting tables are allocated first. On the first hardware
// failure everything added so far is removed again.
func (s *Session) SubmitConfigurations() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.submit()
}

func (s *Session) submit() error {
	s.overhead.Store(0)
	s.acct.Store(nil)

	acct, err := s.allocateAccounting()
	if err != nil {
		s.setLastError(err)
		return err
	}

	cores := s.device.CoresCount()
	// Seed every slot before the first configuration goes live, samples may
	// arrive as soon as AddConfiguration returns.
	for idx, ai := range s.order {
		cfg := s.arena[ai]
		for _, core := range cfg.Cores.Cores() {
			if int(core) < cores {
				acct.missed.init(core, idx, cfg)
			}
		}
	}
	s.acct.Store(acct)

	for _, ai := range s.order {
		cfg := s.arena[ai]
		for _, core := range cfg.Cores.Cores() {
			if int(core) >= cores {
				continue
			}
			if err := s.hardware.AddConfiguration(s.regID, core, cfg); err != nil {
				s.hardware.RemoveAllConfigurations(s.regID)
				err = submitError(cfg, core, err)
				s.setLastError(err)
				level.Warn(s.logger).Log("msg", "failed to submit configuration", "session", s.id, "err", err)
				return err
			}
		}
	}
	return nil
}

func (s *Session) allocateAccounting() (*accounting, error) {
	cores := s.device.CoresCount()
	maxResources := s.device.MaxResourceCount()

	if n := cores * NumKinds * maxResources; n > s.cfg.TableLimit {
		return nil, fmt.Errorf("resource weight table of %d slots: %w", n, ErrOutOfMemory)
	}
	weights := NewResourceWeightTable(cores, maxResources)

	if n := cores * len(s.order); n > s.cfg.TableLimit {
		// The weight table is dropped with the error.
		return nil, fmt.Errorf("missed data table of %d slots: %w", n, ErrOutOfMemory)
	}
	return &accounting{
		missed:  NewMissedDataTable(cores, len(s.order)),
		weights: weights,
	}, nil
}

// submitError keeps access denied apart from every other failure, the
// latter being treated as a lack of free hardware slots.
func submitError(cfg *Configuration, core uint32, err error) error {
	if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrInsufficientResources) {
		return fmt.Errorf("adding %s on core %d: %w", cfg, core, err)
	}
	return fmt.Errorf("adding %s on core %d: %w: %w", cfg, core, ErrInsufficientResources, err)
}

// readCountingEvents adds the live value of every event counter to its saved
// total. Called before the counters are removed at pause.
func (s *Session) readCountingEvents() {
	for _, ai := range s.order {
		cfg := s.arena[ai]
		if !cfg.IsEvent() {
			continue
		}
		for _, core := range cfg.Cores.Cores() {
			v, err := s.hardware.ReadCount(s.regID, core, cfg)
			if err != nil {
				level.Debug(s.logger).Log("msg", "failed to read counter", "config", cfg, "core", core, "err", err)
				continue
			}
			cfg.addSavedCount(core, v)
		}
	}
}

// ReadCountingEvent returns the value of the event counter matching
// resourceID and controlValue on core, counted since the session started.
// Sampling counters match too. A paused session returns the value saved at
// pause.
func (s *Session) ReadCountingEvent(core uint32, resourceID uint8, controlValue uint64) (uint64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	st := s.State()
	if st != StateActive && st != StatePaused {
		return 0, fmt.Errorf("session is %s: %w", st, ErrUnsuccessful)
	}

	for _, ai := range s.order {
		cfg := s.arena[ai]
		if !cfg.IsEvent() || cfg.ResourceID != resourceID || cfg.ControlValue != controlValue || !cfg.IsValidCore(core) {
			continue
		}
		if st == StatePaused {
			return cfg.SavedCount(core), nil
		}
		v, err := s.hardware.ReadCount(s.regID, core, cfg)
		if err != nil {
			return 0, fmt.Errorf("reading %s on core %d: %w: %w", cfg, core, ErrDeviceNotReady, err)
		}
		return cfg.SavedCount(core) + v, nil
	}
	return 0, ErrNotFound
}

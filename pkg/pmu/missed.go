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
	"go.uber.org/atomic"
)

// MissedData counts the samples of one configuration on one core that were
// dropped because no sink buffer was available.
type MissedData struct {
	Kind         Kind
	ResourceID   uint8
	ControlValue uint64
	Valid        bool

	missed atomic.Uint64
}

// Count returns the number of missed samples.
func (m *MissedData) Count() uint64 {
	return m.missed.Load()
}

// MissedDataTable is a dense core × configuration table.
type MissedDataTable struct {
	configsCount int
	slots        []MissedData
}

// NewMissedDataTable allocates a zeroed table.
func NewMissedDataTable(coresCount, configsCount int) *MissedDataTable {
	return &MissedDataTable{
		configsCount: configsCount,
		slots:        make([]MissedData, coresCount*configsCount),
	}
}

// Slot returns the entry for (core, configIndex).
func (t *MissedDataTable) Slot(core uint32, configIndex int) *MissedData {
	return &t.slots[int(core)*t.configsCount+configIndex]
}

// CoresCount returns the number of cores the table was sized for.
func (t *MissedDataTable) CoresCount() int {
	if t.configsCount == 0 {
		return 0
	}
	return len(t.slots) / t.configsCount
}

func (t *MissedDataTable) init(core uint32, configIndex int, cfg *Configuration) {
	s := t.Slot(core, configIndex)
	s.Kind = cfg.Kind
	s.ResourceID = cfg.ResourceID
	s.ControlValue = cfg.ControlValue
	s.Valid = true
	s.missed.Store(0)
}

// Increment adds one miss to the entry matching the sample on its core. The
// search is restricted to the core's slice of the table.
func (t *MissedDataTable) Increment(core uint32, kind Kind, resourceID uint8, controlValue uint64) bool {
	start := int(core) * t.configsCount
	end := start + t.configsCount
	if start < 0 || end > len(t.slots) {
		return false
	}

	for i := start; i < end; i++ {
		s := &t.slots[i]
		if s.Valid && s.Kind == kind && s.ResourceID == resourceID && s.ControlValue == controlValue {
			s.missed.Inc()
			return true
		}
	}
	return false
}

// Aggregate sums the misses of configIndex over the cores in mask.
func (t *MissedDataTable) Aggregate(configIndex int, mask CoreMask) uint64 {
	var total uint64
	for core, n := uint32(0), t.CoresCount(); int(core) < n; core++ {
		if mask.Contains(core) {
			total += t.Slot(core, configIndex).Count()
		}
	}
	return total
}

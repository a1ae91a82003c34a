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
	"fmt"
)

// AggregateMissedData sums the misses of the configuration at configIndex
// over the cores of its mask.
func (s *Session) AggregateMissedData(configIndex int) uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	acct := s.acct.Load()
	if acct == nil || configIndex < 0 || configIndex >= len(s.order) {
		return 0
	}
	return acct.missed.Aggregate(configIndex, s.arena[s.order[configIndex]].Cores)
}

// flushMissedData writes one missed data record per configuration. A paired
// IBS fetch and op produce a single record. The first write error ends the
// flush.
func (s *Session) flushMissedData() error {
	acct := s.acct.Load()
	if acct == nil {
		return nil
	}

	start := s.startTime.Load()
	for idx, ai := range s.order {
		cfg := s.arena[ai]
		if cfg.Kind == KindIbsOp && cfg.Pair >= 0 {
			// Written with its fetch partner.
			continue
		}

		rec := MissedRecord{
			Config:    cfg,
			Count:     acct.missed.Aggregate(idx, cfg.Cores),
			StartTime: start,
			Core:      firstCore(cfg.Cores),
		}
		if cfg.Kind == KindIbsFetch && cfg.Pair >= 0 {
			op := s.configAt(cfg.Pair)
			rec.Paired = op
			rec.PairedCount = acct.missed.Aggregate(cfg.Pair, op.Cores)
		}
		if err := s.sink.WriteMissedData(rec); err != nil {
			return fmt.Errorf("writing missed data of %s: %w: %w", cfg, ErrWriteError, err)
		}
	}
	return nil
}

// configAt returns the configuration at position idx of submission order.
func (s *Session) configAt(idx int) *Configuration {
	return s.arena[s.order[idx]]
}

func firstCore(m CoreMask) uint32 {
	if m.Count() == 0 {
		return 0
	}
	return m.bm.Minimum()
}

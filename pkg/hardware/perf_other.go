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

//go:build !linux

package hardware

import (
	"fmt"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

// Perf hands every configuration to fallback, perf events only exist on
// Linux.
type Perf struct {
	fallback Backend
}

func NewPerf(fallback Backend) *Perf {
	return &Perf{fallback: fallback}
}

func (p *Perf) Name() string {
	if p.fallback != nil {
		return p.fallback.Name()
	}
	return "perf"
}

func (p *Perf) Open(core uint32, cfg *pmu.Configuration, deliver DeliverFunc) (Counter, error) {
	if p.fallback == nil {
		return nil, fmt.Errorf("perf events are not supported on this platform: %w", pmu.ErrAccessDenied)
	}
	return p.fallback.Open(core, cfg, deliver)
}

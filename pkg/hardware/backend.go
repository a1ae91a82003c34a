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
	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

// DeliverFunc hands a sample produced by a backend to the manager.
type DeliverFunc func(s *pmu.Sample)

// Backend programs a single configuration on one core.
type Backend interface {
	Name() string
	// Open starts cfg on core. Errors wrap pmu.ErrAccessDenied or
	// pmu.ErrInsufficientResources.
	Open(core uint32, cfg *pmu.Configuration, deliver DeliverFunc) (Counter, error)
}

// Counter is a configuration running on one core.
type Counter interface {
	// Read returns the current counter value.
	Read() (uint64, error)
	// Close stops the counter. No sample is delivered once it returns.
	Close() error
}

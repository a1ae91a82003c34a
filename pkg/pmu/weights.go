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

// ResourceWeightTable holds the last weight seen per (core, kind, resource).
// Each core only touches its own rows.
type ResourceWeightTable struct {
	maxResources int
	weights      []uint8
}

// NewResourceWeightTable allocates a zeroed table.
func NewResourceWeightTable(coresCount, maxResources int) *ResourceWeightTable {
	return &ResourceWeightTable{
		maxResources: maxResources,
		weights:      make([]uint8, coresCount*NumKinds*maxResources),
	}
}

// Row returns the weights of every resource of kind on core.
func (t *ResourceWeightTable) Row(core uint32, kind Kind) []uint8 {
	start := (int(core)*NumKinds + int(kind)) * t.maxResources
	if start < 0 || start+t.maxResources > len(t.weights) {
		return nil
	}
	return t.weights[start : start+t.maxResources : start+t.maxResources]
}

// slot returns the weight cell for the triple, or nil if it is out of range.
func (t *ResourceWeightTable) slot(core uint32, kind Kind, resourceID uint8) *uint8 {
	row := t.Row(core, kind)
	if int(resourceID) >= len(row) {
		return nil
	}
	return &row[resourceID]
}

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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMissedDataTableIncrementStaysOnCore(t *testing.T) {
	t.Parallel()

	cfg := newEventConfiguration(samplingEvent(0, NewCoreMask(0, 1)))
	table := NewMissedDataTable(2, 1)
	table.init(0, 0, cfg)

	require.True(t, table.Increment(0, KindEventCounter, 0, samplingControl))
	// Core 1 was never seeded.
	require.False(t, table.Increment(1, KindEventCounter, 0, samplingControl))
	require.False(t, table.Increment(0, KindEventCounter, 1, samplingControl))
	require.False(t, table.Increment(5, KindEventCounter, 0, samplingControl))

	require.Equal(t, uint64(1), table.Slot(0, 0).Count())
	require.Zero(t, table.Slot(1, 0).Count())
	require.Equal(t, uint64(1), table.Aggregate(0, cfg.Cores))
	require.Zero(t, table.Aggregate(0, NewCoreMask(1)))
}

func TestResourceWeightTable(t *testing.T) {
	t.Parallel()

	table := NewResourceWeightTable(2, 4)
	require.Len(t, table.Row(1, KindIbsOp), 4)
	require.Nil(t, table.Row(2, KindEventCounter))
	require.Nil(t, table.slot(0, KindTimer, 4))

	*table.slot(1, KindTimer, 3) = 9
	require.Equal(t, []uint8{0, 0, 0, 9}, table.Row(1, KindTimer))
	require.Equal(t, []uint8{0, 0, 0, 0}, table.Row(0, KindTimer))
}

func TestCoreMask(t *testing.T) {
	t.Parallel()

	m := NewCoreMask(3, 1)
	require.Equal(t, []uint32{1, 3}, m.Cores())
	require.True(t, m.validFor(4))
	require.False(t, m.validFor(3))
	require.False(t, CoreMask{}.validFor(4))
	require.Equal(t, 4, AllCores(4).Count())

	c := m.Clone()
	c.bm.Add(2)
	require.Equal(t, 2, m.Count())
}

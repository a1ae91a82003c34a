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

package device

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/log"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

func TestParseCPUSet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		num     uint64
		span    uint64
		wantErr bool
	}{
		{in: "0\n", num: 1, span: 1},
		{in: "0-7\n", num: 8, span: 8},
		{in: "0-3,6,8-9", num: 7, span: 10},
		{in: "", num: 0, span: 0},
		{in: "3-1", wantErr: true},
		{in: "a-b", wantErr: true},
	}
	for _, tt := range tests {
		set, err := parseCPUSet(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.num, set.Num(), tt.in)
		require.Equal(t, tt.span, set.Span(), tt.in)
	}
}

func TestDetectFromFixtures(t *testing.T) {
	t.Parallel()

	pfs, err := procfs.NewFS("testdata/proc")
	require.NoError(t, err)

	c, err := Detect(log.NewNopLogger(), "testdata/sys", pfs, Overrides{})
	require.NoError(t, err)
	// Core 6 is online, per-core tables need seven entries.
	require.Equal(t, 7, c.CoresCount())
	require.Equal(t, 1, c.ResourceCount(pmu.KindTimer))
	require.Positive(t, c.ResourceCount(pmu.KindEventCounter))
	require.Zero(t, c.ResourceCount(pmu.Kind(pmu.NumKinds)))
	require.GreaterOrEqual(t, c.MaxResourceCount(), c.ResourceCount(pmu.KindEventCounter))
}

func TestDetectOverrides(t *testing.T) {
	t.Parallel()

	pfs, err := procfs.NewFS("testdata/proc")
	require.NoError(t, err)

	c, err := Detect(log.NewNopLogger(), "testdata/missing", pfs, Overrides{
		Cores:         3,
		EventCounters: 2,
		L2ICounters:   1,
		DisableIbs:    true,
	})
	require.NoError(t, err)
	require.Equal(t, 3, c.CoresCount())
	require.Equal(t, 2, c.ResourceCount(pmu.KindEventCounter))
	require.Equal(t, 1, c.ResourceCount(pmu.KindL2ICounter))
	require.Zero(t, c.ResourceCount(pmu.KindIbsFetch))
	require.Zero(t, c.ResourceCount(pmu.KindIbsOp))
	require.False(t, c.HasIbsBranchTarget())
	require.False(t, c.HasIbsOpExtCount())
}

func TestFixedCapabilities(t *testing.T) {
	t.Parallel()

	var counts [pmu.NumKinds]int
	counts[pmu.KindEventCounter] = 6
	counts[pmu.KindIbsOp] = 1
	c := New(2, counts, true, false)
	require.Equal(t, 6, c.MaxResourceCount())
	require.True(t, c.HasIbsBranchTarget())
	require.Equal(t, "cores=2 event_counter=6 timer=0 ibs_fetch=0 ibs_op=1 l2i_counter=0", c.String())
}

func TestPerfmonCapable(t *testing.T) {
	t.Parallel()

	c := New(1, [pmu.NumKinds]int{}, false, false)
	require.False(t, c.PerfmonCapable())

	c.Kernel = semver.MustParse("5.4.0")
	require.False(t, c.PerfmonCapable())
	c.Kernel = semver.MustParse("6.1.12")
	require.True(t, c.PerfmonCapable())

	v, err := kernelVersion("6.5.0-41-generic")
	require.NoError(t, err)
	require.Equal(t, "6.5.0", v.String())
}

func TestHostIDStable(t *testing.T) {
	t.Parallel()

	a := &Capabilities{Host: Host{MachineID: "m", Hostname: "h"}, Brand: "b"}
	b := &Capabilities{Host: Host{MachineID: "m", Hostname: "h"}, Brand: "b"}
	other := &Capabilities{Host: Host{MachineID: "mh", Hostname: ""}, Brand: "b"}
	require.Equal(t, a.HostID(), b.HostID())
	require.NotEqual(t, a.HostID(), other.HostID())
}

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

package config

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	no := false
	tests := []struct {
		name    string
		input   string
		want    *Config
		wantErr bool
	}{
		{
			name:    "empty",
			input:   ``,
			wantErr: true,
		},
		{
			name:    "nothing to sample",
			input:   `pids: [1]`,
			wantErr: true,
		},
		{
			name:    "invalid yaml",
			input:   `{`,
			wantErr: true,
		},
		{
			name: "events",
			input: `events:
- resource_id: 1
  select: 0x76
  period: 100000
  cores: [0, 2]
- resource_id: 2
  control: 0x4300c0
  user: false
pids: [42]
auto_attach_children: false
`,
			want: &Config{
				Events: []Event{
					{ResourceID: 1, Select: 0x76, Period: 100000, Cores: []uint32{0, 2}},
					{ResourceID: 2, Control: 0x4300c0, User: &no},
				},
				PIDs:               []uint32{42},
				AutoAttachChildren: &no,
			},
		},
		{
			name: "timer and call stack",
			input: `timer:
  granularity: 10
call_stack:
  pid: 7
  depth: 32
  modes: [user, kernel]
  code_ranges:
  - {start: 0x400000, end: 0x500000}
`,
			want: &Config{
				Timer: &Timer{Granularity: 10},
				CallStack: &CallStack{
					PID:        7,
					Depth:      32,
					Modes:      []string{"user", "kernel"},
					CodeRanges: []CodeRange{{Start: 0x400000, End: 0x500000}},
				},
			},
		},
		{
			name: "unknown call stack mode",
			input: `timer: {granularity: 10}
call_stack: {pid: 7, modes: [hypervisor]}
`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Load([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadEmpty(t *testing.T) {
	t.Parallel()

	_, err := Load(nil)
	require.ErrorIs(t, err, ErrEmptyConfig)
}

func TestEventControl(t *testing.T) {
	t.Parallel()

	no := false
	tests := []struct {
		name  string
		event Event
		want  uint64
	}{
		{
			name:  "counting",
			event: Event{Select: 0xC0},
			want:  0xC0 | pmu.EventControlEnable | pmu.EventControlUser,
		},
		{
			name:  "sampling kernel only",
			event: Event{Select: 0x76, UnitMask: 0x1, User: &no, OS: true, Period: 1000},
			want:  0x76 | 0x100 | pmu.EventControlEnable | pmu.EventControlOS | pmu.EventControlInterrupt,
		},
		{
			name:  "extended select",
			event: Event{Select: 0x1C0},
			want:  0xC0 | 1<<32 | pmu.EventControlEnable | pmu.EventControlUser,
		},
		{
			name:  "raw",
			event: Event{Control: 0x1234, Period: 1000},
			want:  0x1234,
		},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.event.control(), tt.name)
	}
}

type call struct {
	op    string
	props any
}

type recordingTarget struct {
	calls []call
	err   error
}

func (r *recordingTarget) add(op string, props any) error {
	r.calls = append(r.calls, call{op: op, props: props})
	return r.err
}

func (r *recordingTarget) AddEventConfiguration(p pmu.EventProperties) error {
	return r.add("event", p)
}

func (r *recordingTarget) SetTimerConfiguration(p pmu.TimerProperties) error {
	return r.add("timer", p)
}

func (r *recordingTarget) SetIbsConfiguration(p pmu.IbsProperties) error {
	return r.add("ibs", p)
}

func (r *recordingTarget) SetCallStackConfiguration(p pmu.CallStackProperties) error {
	return r.add("call_stack", p)
}

func (r *recordingTarget) SetOutputFile(prd, ti string) error {
	return r.add("output", []string{prd, ti})
}

func (r *recordingTarget) SetProcessFilter(pids []uint32, auto bool) error {
	return r.add("filter", struct {
		PIDs []uint32
		Auto bool
	}{pids, auto})
}

func TestApply(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Events:    []Event{{ResourceID: 0, Select: 0x76, Period: 5000}},
		Timer:     &Timer{Granularity: 10, Cores: []uint32{1}},
		Ibs:       &Ibs{Op: true, OpMaxCount: 0x1000},
		CallStack: &CallStack{PID: 9, Depth: 16},
		PIDs:      []uint32{9, 10},
	}
	target := &recordingTarget{}
	require.NoError(t, cfg.Apply(target, 2, Output{PRD: "out.prd", TI: "out.ti"}))

	ops := make([]string, 0, len(target.calls))
	for _, c := range target.calls {
		ops = append(ops, c.op)
	}
	require.Equal(t, []string{"event", "timer", "ibs", "call_stack", "output", "filter"}, ops)

	ev := target.calls[0].props.(pmu.EventProperties)
	require.Equal(t, uint64(5000), ev.Period)
	require.Equal(t, []uint32{0, 1}, ev.Cores.Cores())
	require.NotZero(t, ev.ControlValue&pmu.EventControlInterrupt)

	timer := target.calls[1].props.(pmu.TimerProperties)
	require.Equal(t, []uint32{1}, timer.Cores.Cores())

	cs := target.calls[3].props.(pmu.CallStackProperties)
	require.Equal(t, pmu.CallStackUser, cs.Mode)

	filter := target.calls[5].props.(struct {
		PIDs []uint32
		Auto bool
	})
	require.True(t, filter.Auto)
	require.Equal(t, []uint32{9, 10}, filter.PIDs)
}

func TestApplyWithoutOutput(t *testing.T) {
	t.Parallel()

	cfg := &Config{Events: []Event{{Select: 0xC0}}, PIDs: []uint32{3}}
	target := &recordingTarget{}
	require.NoError(t, cfg.Apply(target, 1, Output{}))
	require.Len(t, target.calls, 1)
	require.False(t, cfg.HasSampling())
}

func TestApplyStopsAtFirstError(t *testing.T) {
	t.Parallel()

	cfg := &Config{Events: []Event{{Select: 0xC0}, {Select: 0x76}}}
	target := &recordingTarget{err: pmu.ErrResourceExhausted}
	err := cfg.Apply(target, 1, Output{})
	require.True(t, errors.Is(err, pmu.ErrResourceExhausted))
	require.Len(t, target.calls, 1)
}

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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

var ErrEmptyConfig = errors.New("empty config")

// Config describes one profiling session.
type Config struct {
	Events    []Event    `yaml:"events,omitempty"`
	Timer     *Timer     `yaml:"timer,omitempty"`
	Ibs       *Ibs       `yaml:"ibs,omitempty"`
	CallStack *CallStack `yaml:"call_stack,omitempty"`

	// PIDs restricts sampling to these processes. Empty means system wide.
	PIDs               []uint32 `yaml:"pids,omitempty"`
	AutoAttachChildren *bool    `yaml:"auto_attach_children,omitempty"`
}

// Event is an event counter. Control, when set, is used as the raw control
// register value and the other selector fields are ignored.
type Event struct {
	ResourceID uint8    `yaml:"resource_id"`
	Select     uint16   `yaml:"select,omitempty"`
	UnitMask   uint8    `yaml:"unit_mask,omitempty"`
	User       *bool    `yaml:"user,omitempty"`
	OS         bool     `yaml:"os,omitempty"`
	Control    uint64   `yaml:"control,omitempty"`
	Period     uint64   `yaml:"period,omitempty"`
	Cores      []uint32 `yaml:"cores,omitempty"`
}

type Timer struct {
	// Granularity is in 0.1ms ticks.
	Granularity uint32   `yaml:"granularity"`
	Cores       []uint32 `yaml:"cores,omitempty"`
}

type Ibs struct {
	Fetch         bool     `yaml:"fetch,omitempty"`
	Op            bool     `yaml:"op,omitempty"`
	FetchMaxCount uint32   `yaml:"fetch_max_count,omitempty"`
	OpMaxCount    uint32   `yaml:"op_max_count,omitempty"`
	OpDispatch    bool     `yaml:"op_dispatch,omitempty"`
	OpDataMask    uint32   `yaml:"op_data_mask,omitempty"`
	Cores         []uint32 `yaml:"cores,omitempty"`
}

type CallStack struct {
	PID                uint32      `yaml:"pid"`
	Depth              uint32      `yaml:"depth,omitempty"`
	Modes              []string    `yaml:"modes,omitempty"`
	Interval           uint32      `yaml:"interval,omitempty"`
	CaptureStackValues bool        `yaml:"capture_stack_values,omitempty"`
	CodeRanges         []CodeRange `yaml:"code_ranges,omitempty"`
}

type CodeRange struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Events) == 0 && c.Timer == nil && c.Ibs == nil {
		return errors.New("no events, timer or ibs configured")
	}
	if c.CallStack != nil {
		if _, err := c.CallStack.mode(); err != nil {
			return err
		}
	}
	return nil
}

// HasSampling reports whether any configuration raises interrupts and so
// needs an output file.
func (c *Config) HasSampling() bool {
	if c.Timer != nil || c.Ibs != nil {
		return true
	}
	for _, e := range c.Events {
		if e.control()&pmu.EventControlInterrupt != 0 {
			return true
		}
	}
	return false
}

func (e Event) control() uint64 {
	if e.Control != 0 {
		return e.Control
	}
	v := uint64(e.Select&0xff) | uint64(e.Select>>8)<<32 | uint64(e.UnitMask)<<8 | pmu.EventControlEnable
	if e.User == nil || *e.User {
		v |= pmu.EventControlUser
	}
	if e.OS {
		v |= pmu.EventControlOS
	}
	if e.Period != 0 {
		v |= pmu.EventControlInterrupt
	}
	return v
}

func (cs *CallStack) mode() (pmu.CallStackMode, error) {
	if len(cs.Modes) == 0 {
		return pmu.CallStackUser, nil
	}
	var m pmu.CallStackMode
	for _, s := range cs.Modes {
		switch s {
		case "user":
			m |= pmu.CallStackUser
		case "kernel":
			m |= pmu.CallStackKernel
		default:
			return 0, fmt.Errorf("unknown call stack mode %q", s)
		}
	}
	return m, nil
}

// Target is what a Config is applied to, usually a *pmu.Session.
type Target interface {
	AddEventConfiguration(pmu.EventProperties) error
	SetTimerConfiguration(pmu.TimerProperties) error
	SetIbsConfiguration(pmu.IbsProperties) error
	SetCallStackConfiguration(pmu.CallStackProperties) error
	SetOutputFile(prdPath, tiPath string) error
	SetProcessFilter(pids []uint32, autoAttachChildren bool) error
}

// Output names the files a session writes to.
type Output struct {
	PRD string
	TI  string
}

// Apply configures t in the order the session requires: counters first, then
// call stacks, the output files and the process filter last. An empty
// Output.PRD leaves the session without a file.
func (c *Config) Apply(t Target, coresCount int, out Output) error {
	for i, e := range c.Events {
		props := pmu.EventProperties{
			ResourceID:   e.ResourceID,
			ControlValue: e.control(),
			Period:       e.Period,
			Cores:        mask(e.Cores, coresCount),
		}
		if err := t.AddEventConfiguration(props); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	if c.Timer != nil {
		props := pmu.TimerProperties{Granularity: c.Timer.Granularity, Cores: mask(c.Timer.Cores, coresCount)}
		if err := t.SetTimerConfiguration(props); err != nil {
			return fmt.Errorf("timer: %w", err)
		}
	}
	if c.Ibs != nil {
		props := pmu.IbsProperties{
			ProfileFetch:  c.Ibs.Fetch,
			ProfileOp:     c.Ibs.Op,
			FetchMaxCount: c.Ibs.FetchMaxCount,
			OpMaxCount:    c.Ibs.OpMaxCount,
			OpDispatch:    c.Ibs.OpDispatch,
			OpDataMask:    c.Ibs.OpDataMask,
			Cores:         mask(c.Ibs.Cores, coresCount),
		}
		if err := t.SetIbsConfiguration(props); err != nil {
			return fmt.Errorf("ibs: %w", err)
		}
	}
	if cs := c.CallStack; cs != nil {
		m, err := cs.mode()
		if err != nil {
			return err
		}
		props := pmu.CallStackProperties{
			TargetPID:          cs.PID,
			Depth:              cs.Depth,
			Mode:               m,
			Interval:           cs.Interval,
			CaptureStackValues: cs.CaptureStackValues,
		}
		for _, r := range cs.CodeRanges {
			props.CodeRanges = append(props.CodeRanges, pmu.CodeRange{Start: r.Start, End: r.End})
		}
		if err := t.SetCallStackConfiguration(props); err != nil {
			return fmt.Errorf("call stack: %w", err)
		}
	}

	if out.PRD == "" {
		return nil
	}
	if err := t.SetOutputFile(out.PRD, out.TI); err != nil {
		return err
	}
	if len(c.PIDs) > 0 {
		auto := c.AutoAttachChildren == nil || *c.AutoAttachChildren
		if err := t.SetProcessFilter(c.PIDs, auto); err != nil {
			return fmt.Errorf("process filter: %w", err)
		}
	}
	return nil
}

func mask(cores []uint32, coresCount int) pmu.CoreMask {
	if len(cores) == 0 {
		return pmu.AllCores(coresCount)
	}
	return pmu.NewCoreMask(cores...)
}

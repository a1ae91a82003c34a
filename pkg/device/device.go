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
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/cpuid/v2"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

const (
	defaultEventCounters    = 4
	amdEventCounters        = 6
	amdL2ICounters          = 4
	amdL2IFamily            = 0x17
	perfmonCapabilityKernel = ">=5.8"
)

// Host describes the machine the samples are taken on.
type Host struct {
	Hostname      string
	MachineID     string
	OS            string
	KernelRelease string
	CPUModel      string
	CPUVendor     string
}

// Overrides replace detected values. Zero values keep the detected ones.
type Overrides struct {
	Cores         int
	EventCounters int
	L2ICounters   int
	DisableIbs    bool
}

var _ pmu.Device = (*Capabilities)(nil)

// Capabilities is the performance monitoring hardware of the machine.
type Capabilities struct {
	cores           int
	counts          [pmu.NumKinds]int
	ibsBranchTarget bool
	ibsOpExtCount   bool

	Vendor string
	Brand  string
	Family int
	// Flags are the CPU flags of the first processor in /proc/cpuinfo.
	Flags  []string
	Host   Host
	Kernel *semver.Version
}

// New returns fixed capabilities.
func New(cores int, counts [pmu.NumKinds]int, ibsBranchTarget, ibsOpExtCount bool) *Capabilities {
	return &Capabilities{
		cores:           cores,
		counts:          counts,
		ibsBranchTarget: ibsBranchTarget,
		ibsOpExtCount:   ibsOpExtCount,
	}
}

// Detect probes cpuid, sysfs and procfs. Only a missing core count is an
// error, every other probe falls back to conservative values.
func Detect(logger log.Logger, sysfs string, pfs procfs.FS, ov Overrides) (*Capabilities, error) {
	c := &Capabilities{
		Vendor: cpuid.CPU.VendorString,
		Brand:  cpuid.CPU.BrandName,
		Family: cpuid.CPU.Family,
		Host:   detectHost(),
	}

	online, err := OnlineCPUs(sysfs)
	switch {
	case ov.Cores > 0:
		c.cores = ov.Cores
	case err == nil && online.Span() > 0:
		c.cores = int(online.Span())
	default:
		level.Debug(logger).Log("msg", "failed to read online cpus, using the runtime view", "err", err)
		c.cores = runtime.NumCPU()
	}
	if c.cores <= 0 {
		return nil, fmt.Errorf("no cores detected: %w", pmu.ErrDeviceNotReady)
	}

	infos, err := pfs.CPUInfo()
	if err != nil || len(infos) == 0 {
		level.Debug(logger).Log("msg", "failed to read cpuinfo", "err", err)
	} else {
		c.Flags = infos[0].Flags
		if c.Vendor == "" {
			c.Vendor = infos[0].VendorID
		}
		if c.Brand == "" {
			c.Brand = infos[0].ModelName
		}
	}

	amd := cpuid.CPU.VendorID == cpuid.AMD || c.Vendor == "AuthenticAMD"
	ibs := !ov.DisableIbs && (cpuid.CPU.Supports(cpuid.IBS) || slices.Contains(c.Flags, "ibs"))
	c.ibsBranchTarget = ibs && cpuid.CPU.Supports(cpuid.IBSBRNTRGT)
	c.ibsOpExtCount = ibs && cpuid.CPU.Supports(cpuid.IBSOPCNTEXT)

	c.counts[pmu.KindTimer] = 1
	c.counts[pmu.KindEventCounter] = defaultEventCounters
	if amd {
		c.counts[pmu.KindEventCounter] = amdEventCounters
		if c.Family >= amdL2IFamily {
			c.counts[pmu.KindL2ICounter] = amdL2ICounters
		}
	}
	if ibs {
		c.counts[pmu.KindIbsFetch] = 1
		c.counts[pmu.KindIbsOp] = 1
	}
	if ov.EventCounters > 0 {
		c.counts[pmu.KindEventCounter] = ov.EventCounters
	}
	if ov.L2ICounters > 0 {
		c.counts[pmu.KindL2ICounter] = ov.L2ICounters
	}

	if v, err := kernelVersion(c.Host.KernelRelease); err == nil {
		c.Kernel = v
	}
	return c, nil
}

func (c *Capabilities) CoresCount() int {
	return c.cores
}

func (c *Capabilities) ResourceCount(kind pmu.Kind) int {
	if int(kind) >= pmu.NumKinds {
		return 0
	}
	return c.counts[kind]
}

func (c *Capabilities) MaxResourceCount() int {
	n := 0
	for _, v := range c.counts {
		n = max(n, v)
	}
	return n
}

func (c *Capabilities) HasIbsBranchTarget() bool {
	return c.ibsBranchTarget
}

func (c *Capabilities) HasIbsOpExtCount() bool {
	return c.ibsOpExtCount
}

// HostID identifies the machine in the output files.
func (c *Capabilities) HostID() uint64 {
	id, err := fingerprint(c.Host.MachineID, c.Host.Hostname, c.Brand)
	if err != nil {
		return 0
	}
	return id
}

// PerfmonCapable reports whether the kernel knows CAP_PERFMON, which grants
// system-wide counters without full privileges.
func (c *Capabilities) PerfmonCapable() bool {
	if c.Kernel == nil {
		return false
	}
	constraint, err := semver.NewConstraint(perfmonCapabilityKernel)
	if err != nil {
		// This will never happen. The constraint above is covered in tests.
		panic(fmt.Sprintf("bad constraint, this should never happen %v", err))
	}
	return constraint.Check(c.Kernel)
}

func (c *Capabilities) String() string {
	kinds := make([]string, 0, pmu.NumKinds)
	for k := pmu.Kind(0); int(k) < pmu.NumKinds; k++ {
		kinds = append(kinds, fmt.Sprintf("%s=%d", k, c.counts[k]))
	}
	return fmt.Sprintf("cores=%d %s", c.cores, strings.Join(kinds, " "))
}

func kernelVersion(release string) (*semver.Version, error) {
	short, _, _ := strings.Cut(release, "-")
	return semver.NewVersion(short)
}

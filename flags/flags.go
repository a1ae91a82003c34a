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

package flags

import (
	"errors"
	"fmt"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/parca-dev/parca-pmu/pkg/sink"
)

const (
	defaultBufferSize = "64KiB"
	defaultMaxMemory  = "256MiB"
)

// Parse parses the command line. It exits on parse errors and --help.
func Parse() (Flags, error) {
	flags := Flags{}
	kong.Parse(&flags, vars())
	return flags, flags.Validate()
}

func parse(args []string) (Flags, error) {
	flags := Flags{}
	parser, err := kong.New(&flags, vars())
	if err != nil {
		return Flags{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return Flags{}, err
	}
	return flags, flags.Validate()
}

func vars() kong.Vars {
	return kong.Vars{
		"default_buffer_size": defaultBufferSize,
		"default_max_memory":  defaultMaxMemory,
	}
}

type Flags struct {
	Log         FlagsLogs `embed:""                 prefix:"log-"`
	HTTPAddress string    `default:"127.0.0.1:7072" help:"Address to bind HTTP server to."`
	Version     bool      `help:"Show application version."`

	ConfigPath string `help:"Path to the session config file." required:""`

	// pprof.
	MutexProfileFraction int `default:"0" help:"Fraction of mutex profile samples to collect."`
	BlockProfileRate     int `default:"0" help:"Sample rate for block profile."`

	Output    FlagsOutput    `embed:"" prefix:"output-"`
	Session   FlagsSession   `embed:"" prefix:"session-"`
	Hardware  FlagsHardware  `embed:"" prefix:"hardware-"`
	StackWalk FlagsStackWalk `embed:"" prefix:"stack-walk-"`
	Process   FlagsProcess   `embed:"" prefix:"process-"`
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// FlagsOutput provides sample file flags.
type FlagsOutput struct {
	Path           string `default:"session.prd"            help:"Path of the sample file. Later runs after a config reload get a numeric suffix."`
	MetadataPath   string `default:""                       help:"Path of the process metadata file. Empty disables it."`
	Compression    string `default:"zstd"                   enum:"none,zstd,snappy,lz4" help:"Block compression of the sample file."`
	BufferSize     string `default:"${default_buffer_size}" help:"Size of one per-core sample buffer."`
	BuffersPerCore int    `default:"4"                      help:"Number of sample buffers per core."`
	MaxMemory      string `default:"${default_max_memory}"  help:"Upper bound of the memory used by sample buffers. 0 means no limit."`
}

// FlagsSession provides session lifecycle flags.
type FlagsSession struct {
	Duration     time.Duration `default:"0s"       help:"Stop sampling after this long. 0 samples until interrupted."`
	StartTimeout time.Duration `default:"30s"      help:"How long to retry starting while counters are taken by someone else."`
	TableLimit   int           `default:"16777216" help:"Maximum number of accounting slots per session."`
}

// FlagsHardware provides counter backend flags.
type FlagsHardware struct {
	Backend       string `default:"perf"  enum:"perf,software" help:"Counter backend. software emulates counters with timers."`
	Cores         int    `default:"0"     help:"Override the number of cores. 0 detects them."`
	EventCounters int    `default:"0"     help:"Override the number of event counters per core. 0 detects them."`
	L2ICounters   int    `default:"0"     help:"Override the number of L2I counters per core. 0 detects them."`
	DisableIbs    bool   `default:"false" help:"Do not use instruction based sampling even when available."`
	SysfsPath     string `default:"/sys"  help:"Mount point of sysfs."`
	ProcfsPath    string `default:"/proc" help:"Mount point of procfs."`
}

// FlagsStackWalk provides user stack walking flags.
type FlagsStackWalk struct {
	Workers   int `default:"2"    help:"Number of stack walking workers."`
	QueueSize int `default:"1024" help:"Number of pending stack walks before new ones are dropped."`
}

// FlagsProcess provides process tracking flags.
type FlagsProcess struct {
	PollInterval time.Duration `default:"1s" help:"How often the process table is scanned for new and exited processes."`
}

func (f Flags) Validate() error {
	var errs error
	if _, err := sink.ParseCompression(f.Output.Compression); err != nil {
		errs = errors.Join(errs, err)
	}
	if _, err := f.Output.BufferBytes(); err != nil {
		errs = errors.Join(errs, err)
	}
	if _, err := f.Output.MaxMemoryBytes(); err != nil {
		errs = errors.Join(errs, err)
	}
	if f.Output.BuffersPerCore < 1 {
		errs = errors.Join(errs, fmt.Errorf("--output-buffers-per-core must be at least 1, got %d", f.Output.BuffersPerCore))
	}
	if f.Hardware.Cores < 0 || f.Hardware.EventCounters < 0 || f.Hardware.L2ICounters < 0 {
		errs = errors.Join(errs, errors.New("hardware overrides must not be negative"))
	}
	if f.Process.PollInterval <= 0 {
		errs = errors.Join(errs, errors.New("--process-poll-interval must be positive"))
	}
	if f.Session.Duration < 0 {
		errs = errors.Join(errs, errors.New("--session-duration must not be negative"))
	}
	return errs
}

// BufferBytes returns the parsed per-core buffer size.
func (f FlagsOutput) BufferBytes() (int, error) {
	n, err := humanize.ParseBytes(f.BufferSize)
	if err != nil {
		return 0, fmt.Errorf("--output-buffer-size: %w", err)
	}
	if n < 1024 {
		return 0, fmt.Errorf("--output-buffer-size must be at least 1KiB, got %s", humanize.IBytes(n))
	}
	return int(n), nil
}

// MaxMemoryBytes returns the parsed buffer memory limit.
func (f FlagsOutput) MaxMemoryBytes() (uint64, error) {
	n, err := humanize.ParseBytes(f.MaxMemory)
	if err != nil {
		return 0, fmt.Errorf("--output-max-memory: %w", err)
	}
	return n, nil
}

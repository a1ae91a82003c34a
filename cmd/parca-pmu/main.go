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

package main

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"github.com/prometheus/procfs"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/parca-pmu/flags"
	"github.com/parca-dev/parca-pmu/pkg/buildinfo"
	"github.com/parca-dev/parca-pmu/pkg/config"
	"github.com/parca-dev/parca-pmu/pkg/device"
	"github.com/parca-dev/parca-pmu/pkg/hardware"
	"github.com/parca-dev/parca-pmu/pkg/logger"
	"github.com/parca-dev/parca-pmu/pkg/pmu"
	"github.com/parca-dev/parca-pmu/pkg/process"
	"github.com/parca-dev/parca-pmu/pkg/rlimit"
	"github.com/parca-dev/parca-pmu/pkg/sink"
	"github.com/parca-dev/parca-pmu/pkg/stackwalk"
)

const (
	exitFailure    = 1
	exitParseError = 2
)

func main() {
	f, err := flags.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitParseError)
	}
	if f.Version {
		fmt.Println(version.Print("parca-pmu"))
		os.Exit(0)
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "parca-pmu")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("parca_pmu"),
	)

	intro := figure.NewColorFigure("Parca PMU ", "roman", "yellow", true)
	intro.Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}
	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroup),
	); err != nil {
		level.Debug(logger).Log("msg", "failed to set GOMEMLIMIT automatically", "err", err)
	} else if limit > 0 {
		level.Info(logger).Log("msg", "GOMEMLIMIT set", "limit", humanize.IBytes(uint64(limit)))
	}

	runtime.SetMutexProfileFraction(f.MutexProfileFraction)
	runtime.SetBlockProfileRate(f.BlockProfileRate)

	if err := run(logger, reg, f); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(exitFailure)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, f flags.Flags) error {
	cfg, err := config.LoadFile(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if bi, err := buildinfo.Fetch(); err == nil {
		level.Debug(logger).Log("msg", "parca-pmu initialized",
			"version", version.Version,
			"revision", bi.VcsRevision,
			"date", bi.VcsTime,
			"go", bi.GoVersion,
			"arch", bi.GoArch,
			"config", fmt.Sprintf("%+v", f),
		)
	}

	pfs, err := procfs.NewFS(f.Hardware.ProcfsPath)
	if err != nil {
		return fmt.Errorf("failed to open procfs: %w", err)
	}

	dev, err := device.Detect(logger, f.Hardware.SysfsPath, pfs, device.Overrides{
		Cores:         f.Hardware.Cores,
		EventCounters: f.Hardware.EventCounters,
		L2ICounters:   f.Hardware.L2ICounters,
		DisableIbs:    f.Hardware.DisableIbs,
	})
	if err != nil {
		return fmt.Errorf("failed to detect the performance monitoring unit: %w", err)
	}
	level.Info(logger).Log("msg", "detected performance monitoring unit",
		"vendor", dev.Vendor,
		"brand", dev.Brand,
		"kernel", dev.Host.KernelRelease,
		"resources", dev.String(),
	)

	compression, err := sink.ParseCompression(f.Output.Compression)
	if err != nil {
		return err
	}
	bufferSize, err := f.Output.BufferBytes()
	if err != nil {
		return err
	}
	maxMemory, err := f.Output.MaxMemoryBytes()
	if err != nil {
		return err
	}

	var session *pmu.Session
	software := hardware.NewSoftware(func(core uint32) (uint32, uint32, uint64) {
		// Emulated samples are attributed to the processes being watched.
		pids := session.AttachedProcesses()
		if len(pids) == 0 {
			return uint32(os.Getpid()), uint32(os.Getpid()), 0
		}
		pid := pids[int(core)%len(pids)]
		return pid, pid, 0
	}, pmu.MonotonicNow)
	var backend hardware.Backend = software
	if f.Hardware.Backend == "perf" {
		backend = hardware.NewPerf(software)

		want := uint64(dev.CoresCount()*pmu.NumKinds*dev.MaxResourceCount()) + 1024
		limit, err := rlimit.BumpFiles(want)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to raise the open files limit", "want", want, "err", err)
		} else {
			level.Debug(logger).Log("msg", "open files limit", "soft", rlimit.HumanizeRLimit(limit.Cur), "hard", rlimit.HumanizeRLimit(limit.Max))
		}
	}
	hw := hardware.NewManager(logger, reg, dev, backend)

	dispatcher := stackwalk.NewDispatcher(logger, reg,
		stackwalk.NewFramePointerUnwinder(stackwalk.ProcessMemory{}),
		stackwalk.Options{
			Workers:   f.StackWalk.Workers,
			QueueSize: f.StackWalk.QueueSize,
			Clock:     pmu.MonotonicNow,
		},
	)

	writer := sink.NewWriter(logger, reg, dev.CoresCount(), sink.Options{
		Compression:    compression,
		BufferSize:     bufferSize,
		BuffersPerCore: f.Output.BuffersPerCore,
		MaxMemory:      maxMemory,
		Frequency:      uint64(time.Second),
		HostID:         dev.HostID(),
		WeightSlots:    dev.MaxResourceCount(),
	})
	level.Debug(logger).Log("msg", "sample buffers",
		"per_core", f.Output.BuffersPerCore,
		"size", humanize.IBytes(uint64(bufferSize)),
		"total", humanize.IBytes(uint64(bufferSize*f.Output.BuffersPerCore*dev.CoresCount())),
	)

	var meta pmu.MetadataWriter
	if f.Output.MetadataPath != "" {
		meta = sink.NewMetadataWriter(dev.HostID(), nil, process.Describe(pfs))
	}

	session, err = pmu.NewSession(logger, reg, dev, hw, dispatcher, writer, meta, pmu.Config{
		TableLimit: f.Session.TableLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			level.Warn(logger).Log("msg", "failed to close session", "err", err)
		}
	}()

	r := newRunner(logger, session, dev.CoresCount(), cfg, config.Output{PRD: f.Output.Path, TI: f.Output.MetadataPath})
	r.startTimeout = f.Session.StartTimeout
	r.duration = f.Session.Duration
	if !dev.PerfmonCapable() {
		r.accessHint = "the kernel has no CAP_PERFMON, run as root or lower kernel.perf_event_paranoid"
	}

	watcher := process.NewWatcher(logger, reg, process.ProcFSScanner(pfs), f.Process.PollInterval)
	watcher.AddListener(session)

	var (
		ctx = context.Background()
		g   okrun.Group
	)

	// Run the stack walkers.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: stack walk dispatcher")
			defer level.Debug(logger).Log("msg", "stopped: stack walk dispatcher")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "stack_walk_dispatcher"), func(ctx context.Context) {
				err = dispatcher.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	// Run the process watcher.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: process watcher")
			defer level.Debug(logger).Log("msg", "stopped: process watcher")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "process_watcher"), func(ctx context.Context) {
				err = watcher.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	// Run the session.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: session runner")
			defer level.Debug(logger).Log("msg", "stopped: session runner")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "session_runner"), func(ctx context.Context) {
				err = r.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	// Run the config file reloader.
	{
		ctx, cancel := context.WithCancel(ctx)
		cfgReloader, err := config.NewConfigReloader(logger, reg, f.ConfigPath, []config.ComponentReloader{
			{Name: "session", Reloader: r.Reload},
		})
		if err != nil {
			cancel()
			return fmt.Errorf("failed to instantiate config file reloader: %w", err)
		}
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: config file reloader")
			defer level.Debug(logger).Log("msg", "stopped: config file reloader")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "config_file_reloader"), func(ctx context.Context) {
				err = cfgReloader.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	// Run group for http server.
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		mux.HandleFunc("/", statusHandler(logger, session, dev))

		srv := &http.Server{
			Addr:         f.HTTPAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server", "address", f.HTTPAddress)
			defer level.Debug(logger).Log("msg", "stopped: http server")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "http_server"), func(_ context.Context) {
				err = srv.ListenAndServe()
			})
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(error) {
			srv.Close()
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))
	if err := g.Run(); err != nil {
		var sig okrun.SignalError
		if errors.As(err, &sig) {
			level.Info(logger).Log("msg", "shutting down", "signal", sig.Signal)
			return nil
		}
		return err
	}
	return nil
}

var statusPage = template.Must(template.New("status").Parse(`<html><body>
<p><b>Session {{.ID}}</b>: {{.State}} ({{.Flags}})</p>
<p>Device: {{.Device}}</p>
<p>Records: {{.Records}}, overhead: {{.Overhead}}</p>
<p>Attached processes: {{range .Attached}}{{.}} {{else}}system wide{{end}}</p>
<ul>{{range .Configurations}}<li>{{.}}</li>{{end}}</ul>
<p><a href="/metrics">metrics</a> <a href="/debug/pprof/">pprof</a></p>
</body></html>
`))

func statusHandler(logger log.Logger, session *pmu.Session, dev *device.Capabilities) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err := statusPage.Execute(w, map[string]any{
			"ID":             session.ID(),
			"State":          session.State(),
			"Flags":          session.Flags(),
			"Device":         dev.String(),
			"Records":        humanize.Comma(int64(session.RecordCount())),
			"Overhead":       session.Overhead(),
			"Attached":       session.AttachedProcesses(),
			"Configurations": session.Configurations(),
		})
		if err != nil {
			level.Error(logger).Log("msg", "failed to render status page", "err", err)
		}
	}
}

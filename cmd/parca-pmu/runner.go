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
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/parca-dev/parca-pmu/pkg/config"
	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

// runner drives one session through start, sampling and stop. A reloaded
// configuration stops the current run and starts a new one writing to a
// new file.
type runner struct {
	logger  log.Logger
	session *pmu.Session
	cores   int
	output  config.Output

	startTimeout time.Duration
	duration     time.Duration
	// accessHint is logged when the hardware refuses access.
	accessHint string

	cfg    atomic.Pointer[config.Config]
	reload chan struct{}
	runs   int
}

func newRunner(logger log.Logger, session *pmu.Session, cores int, cfg *config.Config, output config.Output) *runner {
	r := &runner{
		logger:  logger,
		session: session,
		cores:   cores,
		output:  output,
		reload:  make(chan struct{}, 1),
	}
	r.cfg.Store(cfg)
	return r
}

// Reload swaps the configuration used by the next run and ends the current
// one.
func (r *runner) Reload(cfg *config.Config) error {
	r.cfg.Store(cfg)
	select {
	case r.reload <- struct{}{}:
	default:
	}
	return nil
}

// Run samples until ctx is done, the duration elapsed or the session
// reports an error.
func (r *runner) Run(ctx context.Context) error {
	var elapsed <-chan time.Time
	if r.duration > 0 {
		t := time.NewTimer(r.duration)
		defer t.Stop()
		elapsed = t.C
	}

	for {
		abort := pmu.NewAbortSignal()
		if err := r.start(ctx, abort); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			r.stop()
			return nil
		case <-elapsed:
			level.Info(r.logger).Log("msg", "session duration elapsed", "duration", r.duration)
			r.stop()
			return nil
		case <-abort.C():
			err := r.session.LastError()
			r.stop()
			return fmt.Errorf("session aborted: %w", err)
		case <-r.reload:
			level.Info(r.logger).Log("msg", "configuration changed, restarting session")
			r.stop()
			r.runs++
		}
	}
}

func (r *runner) start(ctx context.Context, abort *pmu.AbortSignal) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = r.startTimeout

	var out config.Output
	err := backoff.RetryNotify(func() error {
		cfg := r.cfg.Load()
		out = r.runOutput(cfg)
		if err := cfg.Apply(r.session, r.cores, out); err != nil {
			if cerr := r.session.Clear(); cerr != nil {
				level.Debug(r.logger).Log("msg", "failed to clear session", "err", cerr)
			}
			return backoff.Permanent(fmt.Errorf("configuring session: %w", err))
		}
		err := r.session.Start(abort)
		if err == nil {
			return nil
		}
		if !pmu.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(eb, ctx), func(err error, d time.Duration) {
		level.Warn(r.logger).Log("msg", "hardware counters are busy, retrying", "err", err, "retry_in", d)
	})
	if err != nil {
		if errors.Is(err, pmu.ErrAccessDenied) && r.accessHint != "" {
			level.Error(r.logger).Log("msg", r.accessHint)
		}
		return fmt.Errorf("starting session: %w", err)
	}

	level.Info(r.logger).Log(
		"msg", "sampling",
		"run", r.runs,
		"output", out.PRD,
		"configurations", len(r.session.Configurations()),
		"system_wide", r.session.IsSystemWide(),
	)
	return nil
}

func (r *runner) stop() {
	for i, cfg := range r.session.Configurations() {
		if missed := r.session.AggregateMissedData(i); missed > 0 {
			level.Warn(r.logger).Log("msg", "samples were dropped", "configuration", cfg, "missed", humanize.Comma(int64(missed)))
		}
	}
	records := r.session.RecordCount()
	overhead := r.session.Overhead()

	if err := r.session.Stop(); err != nil {
		level.Error(r.logger).Log("msg", "failed to stop session", "err", err)
	}
	if err := r.session.LastError(); err != nil {
		level.Warn(r.logger).Log("msg", "session stopped with errors", "err", err)
	}
	level.Info(r.logger).Log("msg", "session stopped", "records", humanize.Comma(int64(records)), "overhead", overhead)
}

// runOutput returns the files of the current run. Counting only sessions
// without a process filter write nothing. Runs after the first get their
// index before the extension.
func (r *runner) runOutput(cfg *config.Config) config.Output {
	if !cfg.HasSampling() && len(cfg.PIDs) == 0 {
		return config.Output{}
	}
	if r.runs == 0 {
		return r.output
	}
	return config.Output{PRD: indexed(r.output.PRD, r.runs), TI: indexed(r.output.TI, r.runs)}
}

func indexed(path string, n int) string {
	if path == "" {
		return ""
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.%d%s", strings.TrimSuffix(path, ext), n, ext)
}

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
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ComponentReloader is handed every configuration that loads successfully.
type ComponentReloader struct {
	Name     string
	Reloader func(*Config) error
}

// ConfigReloader watches a configuration file and hands new versions to its
// reloaders.
type ConfigReloader struct {
	logger    log.Logger
	filename  string
	reloaders []ComponentReloader
	watcher   *fsnotify.Watcher

	reloads  *prometheus.CounterVec
	lastLoad prometheus.Gauge
}

func NewConfigReloader(logger log.Logger, reg prometheus.Registerer, filename string, reloaders []ComponentReloader) (*ConfigReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	// The directory is watched so that replaced files and symlinks are seen.
	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filename, err)
	}

	reloads := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "parca_pmu_config_reloads_total",
		Help: "Total number of configuration reloads by result.",
	}, []string{"result"})
	reloads.WithLabelValues("success")
	reloads.WithLabelValues("failure")

	return &ConfigReloader{
		logger:    logger,
		filename:  filename,
		reloaders: reloaders,
		watcher:   watcher,
		reloads:   reloads,
		lastLoad: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "parca_pmu_config_last_reload_success_timestamp_seconds",
			Help: "Timestamp of the last successful configuration reload.",
		}),
	}, nil
}

// Run reloads the configuration on every change until ctx is done.
func (r *ConfigReloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	level.Debug(r.logger).Log("msg", "watching configuration", "file", r.filename)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !r.relevant(event) {
				continue
			}
			if err := r.reload(); err != nil {
				r.reloads.WithLabelValues("failure").Inc()
				level.Error(r.logger).Log("msg", "failed to reload configuration", "err", err)
				continue
			}
			r.reloads.WithLabelValues("success").Inc()
			r.lastLoad.SetToCurrentTime()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			level.Warn(r.logger).Log("msg", "configuration watcher error", "err", err)
		}
	}
}

func (r *ConfigReloader) relevant(event fsnotify.Event) bool {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return false
	}
	if filepath.Clean(event.Name) == filepath.Clean(r.filename) {
		return !event.Has(fsnotify.Remove)
	}
	// Other files matter when they are the link target, or when a removal
	// may have been the previous target.
	target, err := filepath.EvalSymlinks(r.filename)
	if err != nil {
		return false
	}
	return filepath.Clean(event.Name) == target || event.Has(fsnotify.Remove)
}

func (r *ConfigReloader) reload() error {
	cfg, err := LoadFile(r.filename)
	if err != nil {
		return err
	}

	var errs error
	for _, c := range r.reloaders {
		if err := c.Reloader(cfg); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	if errs == nil {
		level.Info(r.logger).Log("msg", "configuration reloaded", "file", r.filename)
	}
	return errs
}

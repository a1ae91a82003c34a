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

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-pmu/pkg/config"
)

const timerConfig = `timer:
  granularity: 10
`

func startReloader(ctx context.Context, t *testing.T, filename string) chan *config.Config {
	t.Helper()

	reloadConfig := make(chan *config.Config, 1)
	reloaders := []config.ComponentReloader{
		{
			Name: "test",
			Reloader: func(cfg *config.Config) error {
				select {
				case reloadConfig <- cfg:
				default:
				}
				return nil
			},
		},
	}

	cfgReloader, err := config.NewConfigReloader(log.NewNopLogger(), prometheus.NewRegistry(), filename, reloaders)
	require.NoError(t, err)

	go cfgReloader.Run(ctx)

	time.Sleep(time.Millisecond * 100)
	return reloadConfig
}

func TestReloadValid(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	filename := filepath.Join(t.TempDir(), "parca-pmu.yaml")
	require.NoError(t, os.WriteFile(filename, nil, 0o644))
	reloadConfig := startReloader(ctx, t, filename)

	require.NoError(t, os.WriteFile(filename, []byte(timerConfig), 0o644))

	select {
	case cfg := <-reloadConfig:
		require.Equal(t, &config.Config{Timer: &config.Timer{Granularity: 10}}, cfg)
	case <-ctx.Done():
		t.Error("configuration reload timed out")
	}
}

func TestReloadInvalid(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*300)
	defer cancel()

	filename := filepath.Join(t.TempDir(), "parca-pmu.yaml")
	require.NoError(t, os.WriteFile(filename, nil, 0o644))
	reloadConfig := startReloader(ctx, t, filename)

	require.NoError(t, os.WriteFile(filename, []byte("{"), 0o644))

	select {
	case <-reloadConfig:
		t.Error("invalid configuration was reloaded")
	case <-ctx.Done():
	}
}

func TestReloadSymlink(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tmpDir := t.TempDir()
	filenameOld := filepath.Join(tmpDir, "parca-pmu_old.yaml")
	filenameNew := filepath.Join(tmpDir, "parca-pmu_new.yaml")
	symlinkName := filepath.Join(tmpDir, "parca-pmu.yaml")

	require.NoError(t, os.WriteFile(filenameOld, nil, 0o644))
	require.NoError(t, os.Symlink(filenameOld, symlinkName))
	require.NoError(t, os.WriteFile(filenameNew, []byte(timerConfig), 0o644))

	reloadConfig := startReloader(ctx, t, symlinkName)

	// Swap the link the way a mounted config map does.
	require.NoError(t, os.Remove(symlinkName))
	require.NoError(t, os.Symlink(filenameNew, symlinkName))
	require.NoError(t, os.Remove(filenameOld))

	select {
	case cfg := <-reloadConfig:
		require.Equal(t, &config.Config{Timer: &config.Timer{Granularity: 10}}, cfg)
	case <-ctx.Done():
		t.Error("configuration reload timed out")
	}
}

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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	f, err := parse([]string{"--config-path", "session.yaml"})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7072", f.HTTPAddress)
	require.Equal(t, "info", f.Log.Level)
	require.Equal(t, "zstd", f.Output.Compression)
	require.Equal(t, "perf", f.Hardware.Backend)
	require.Equal(t, time.Second, f.Process.PollInterval)

	size, err := f.Output.BufferBytes()
	require.NoError(t, err)
	require.Equal(t, 64*1024, size)

	limit, err := f.Output.MaxMemoryBytes()
	require.NoError(t, err)
	require.Equal(t, uint64(256<<20), limit)
}

func TestParseOverrides(t *testing.T) {
	t.Parallel()

	f, err := parse([]string{
		"--config-path", "session.yaml",
		"--output-compression", "lz4",
		"--output-buffer-size", "1MiB",
		"--hardware-backend", "software",
		"--hardware-cores", "8",
		"--session-duration", "10s",
	})
	require.NoError(t, err)
	require.Equal(t, "lz4", f.Output.Compression)
	require.Equal(t, 8, f.Hardware.Cores)
	require.Equal(t, 10*time.Second, f.Session.Duration)

	size, err := f.Output.BufferBytes()
	require.NoError(t, err)
	require.Equal(t, 1<<20, size)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing config", args: nil},
		{name: "unknown codec", args: []string{"--config-path", "c.yaml", "--output-compression", "gzip"}},
		{name: "tiny buffer", args: []string{"--config-path", "c.yaml", "--output-buffer-size", "12"}},
		{name: "bad size", args: []string{"--config-path", "c.yaml", "--output-max-memory", "lots"}},
		{name: "no buffers", args: []string{"--config-path", "c.yaml", "--output-buffers-per-core", "0"}},
		{name: "negative cores", args: []string{"--config-path", "c.yaml", "--hardware-cores=-1"}},
	}
	for _, tt := range tests {
		_, err := parse(tt.args)
		require.Error(t, err, tt.name)
	}
}

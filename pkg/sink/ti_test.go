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

package sink

import (
	"errors"
	"io"
	"testing"

	"github.com/rzajac/flexbuf"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

func TestMetadataWriterRoundTrip(t *testing.T) {
	t.Parallel()

	f := &memFile{buf: flexbuf.New()}
	m := NewMetadataWriter(7,
		func(string) (io.WriteCloser, error) { return f, nil },
		func(pid uint32) (string, string, error) {
			if pid == 2 {
				return "", "", errors.New("gone")
			}
			return "worker", "/usr/bin/worker", nil
		},
	)

	require.ErrorIs(t, m.WriteProcess(pmu.ProcessInfo{PID: 1}), pmu.ErrInvalidOperation)
	require.NoError(t, m.Open("session.ti"))
	require.True(t, m.IsOpened())
	require.Equal(t, "session.ti", m.Path())
	require.ErrorIs(t, m.Open("session.ti"), pmu.ErrBusy)

	require.NoError(t, m.WriteProcess(pmu.ProcessInfo{PID: 1, ParentPID: 0, Core: 3, Timestamp: 100}))
	require.NoError(t, m.WriteProcess(pmu.ProcessInfo{PID: 2, ParentPID: 1, Timestamp: 200}))
	require.NoError(t, m.Close())
	require.False(t, m.IsOpened())

	hostID, procs, err := ReadMetadata(f.reader())
	require.NoError(t, err)
	require.Equal(t, uint64(7), hostID)
	require.Equal(t, []ProcessMetadata{
		{PID: 1, Core: 3, Timestamp: 100, Comm: "worker", Executable: "/usr/bin/worker"},
		{PID: 2, ParentPID: 1, Timestamp: 200},
	}, procs)
}

func TestReadMetadataRejectsOtherFiles(t *testing.T) {
	t.Parallel()

	_, _, err := ReadMetadata(flexbuf.With([]byte{0xa1, 0x01, 0x61, 0x78}))
	require.ErrorIs(t, err, pmu.ErrFileInvalid)
}

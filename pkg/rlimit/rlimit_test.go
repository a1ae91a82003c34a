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

package rlimit

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBumpFilesKeepsHigherLimit(t *testing.T) {
	cur, _, err := Files()
	require.NoError(t, err)

	limit, err := BumpFiles(1)
	require.NoError(t, err)
	require.Equal(t, uint64(cur), limit.Cur)
}

func TestBumpFilesCapsAtHardLimit(t *testing.T) {
	limit, err := BumpFiles(unix.RLIM_INFINITY)
	require.NoError(t, err)
	require.LessOrEqual(t, limit.Cur, limit.Max)
}

func TestHumanizeRLimit(t *testing.T) {
	t.Parallel()

	require.Equal(t, "unlimited", HumanizeRLimit(unix.RLIM_INFINITY))
	require.Equal(t, "1,024", HumanizeRLimit(1024))
}

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
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

var rlimitMu sync.Mutex

// BumpFiles raises the soft limit of open file descriptors to at least want,
// capped at the hard limit, and returns the resulting limit. Every counter
// the perf backend programs holds one descriptor.
func BumpFiles(want uint64) (unix.Rlimit, error) {
	rlimitMu.Lock()
	defer rlimitMu.Unlock()

	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return limit, fmt.Errorf("failed to get rlimit: %w", err)
	}
	if limit.Cur >= want {
		return limit, nil
	}

	limit.Cur = min(want, limit.Max)
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return limit, fmt.Errorf("failed to increase rlimit: %w", err)
	}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return limit, fmt.Errorf("failed to get rlimit: %w", err)
	}
	return limit, nil
}

func HumanizeRLimit(val uint64) string {
	if val == unix.RLIM_INFINITY {
		return "unlimited"
	}
	return humanize.Comma(int64(val))
}

// Files returns the current and the maximum number of file descriptors the
// calling process may open.
func Files() (int, int, error) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return 0, 0, err
	}
	// From the manpage:
	// > This specifies a value one greater than the maximum file
	// > descriptor number that can be opened by this process.
	return int(limit.Cur), int(limit.Max) - 1, nil
}

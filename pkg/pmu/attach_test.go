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

package pmu

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcessAttachListCapacity(t *testing.T) {
	t.Parallel()

	var l ProcessAttachList
	for pid := uint32(1); pid <= MaxPIDCount; pid++ {
		require.True(t, l.Attach(pid))
	}
	require.Equal(t, MaxPIDCount, l.Len())
	require.False(t, l.Attach(MaxPIDCount+1))
	require.False(t, l.Contains(MaxPIDCount+1))
	require.Equal(t, MaxPIDCount, l.Len())
}

func TestProcessAttachListUnique(t *testing.T) {
	t.Parallel()

	var l ProcessAttachList
	require.True(t, l.Attach(7))
	require.False(t, l.Attach(7))
	require.Equal(t, 1, l.Len())
}

func TestProcessAttachListDetach(t *testing.T) {
	t.Parallel()

	var l ProcessAttachList
	for _, pid := range []uint32{1, 2, 3, 4} {
		require.True(t, l.Attach(pid))
	}

	require.False(t, l.Detach(9))
	require.Equal(t, []uint32{1, 2, 3, 4}, l.Snapshot())

	// The last entry moves into the freed slot.
	require.True(t, l.Detach(2))
	require.Equal(t, []uint32{1, 4, 3}, l.Snapshot())
	require.False(t, l.Contains(2))

	require.True(t, l.Detach(3))
	require.Equal(t, []uint32{1, 4}, l.Snapshot())

	l.Reset()
	require.Zero(t, l.Len())
	require.False(t, l.Contains(1))
}

// A reader that observes a count must observe every slot below it.
func TestProcessAttachListPublish(t *testing.T) {
	t.Parallel()

	var (
		l    ProcessAttachList
		wg   sync.WaitGroup
		done = make(chan struct{})
	)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				n := l.count.Load()
				for i := uint32(0); i < n; i++ {
					if l.slots[i].Load() == 0 {
						t.Errorf("slot %d empty below count %d", i, n)
						return
					}
				}
			}
		}()
	}

	for round := 0; round < 50; round++ {
		for pid := uint32(1); pid <= MaxPIDCount; pid++ {
			l.Attach(pid)
		}
		for pid := uint32(MaxPIDCount); pid >= 1; pid-- {
			l.Detach(pid)
		}
	}
	close(done)
	wg.Wait()
	require.Zero(t, l.Len())
}

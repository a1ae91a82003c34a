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

// AbortSignal wakes an external watcher when a session records an error.
// Signalling never blocks and repeated signals collapse into one.
type AbortSignal struct {
	ch chan struct{}
}

func NewAbortSignal() *AbortSignal {
	return &AbortSignal{ch: make(chan struct{}, 1)}
}

// Signal marks the signal as fired.
func (a *AbortSignal) Signal() {
	select {
	case a.ch <- struct{}{}:
	default:
		// Already pending.
	}
}

// C returns the channel that receives a value once signalled.
func (a *AbortSignal) C() <-chan struct{} {
	return a.ch
}

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
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlreadyConfigured is returned when a singleton configuration is set twice.
	ErrAlreadyConfigured = errors.New("already configured")
	// ErrBusy is returned when the session configuration is changed after start.
	ErrBusy = errors.New("session is busy")
	// ErrDeviceBusy is returned when Start is called on a started session.
	ErrDeviceBusy = errors.New("device busy")
	// ErrResourceExhausted is returned when hardware or table capacity is exceeded.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrInsufficientResources is returned when hardware slots are taken.
	// It may succeed when retried after other sessions release their resources.
	ErrInsufficientResources = fmt.Errorf("insufficient hardware resources: %w", ErrResourceExhausted)
	// ErrAccessDenied is returned when the caller lacks the rights to program
	// the hardware. Retrying does not help.
	ErrAccessDenied = errors.New("access denied")
	// ErrOutOfMemory is returned when the accounting tables cannot be allocated.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrFileInvalid is returned when the output sink cannot be used.
	ErrFileInvalid = errors.New("output file invalid")
	// ErrWriteError is returned when a record cannot be written to the sink.
	ErrWriteError = errors.New("write error")
	// ErrUnsuccessful is returned when an operation is invalid for the current lifecycle state.
	ErrUnsuccessful = errors.New("unsuccessful")
	// ErrInvalidOperation is returned when Start is called without a usable configuration.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrNotFound is returned when no configuration matches a query.
	ErrNotFound = errors.New("configuration not found")
	// ErrDeviceNotReady is returned when a live counter cannot be read.
	ErrDeviceNotReady = errors.New("device not ready")
)

// IsRetryable reports whether err may go away once other sessions release
// hardware resources.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAccessDenied) {
		return false
	}
	return errors.Is(err, ErrInsufficientResources)
}

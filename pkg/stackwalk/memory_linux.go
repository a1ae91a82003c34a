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

//go:build linux

package stackwalk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcessMemory reads the address space of other processes with
// process_vm_readv, falling back to /proc/<pid>/mem.
type ProcessMemory struct{}

func (ProcessMemory) ReadAt(pid uint32, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}

	n, err := unix.ProcessVMReadv(int(pid), local, remote, 0)
	switch {
	case err == nil && n == len(buf):
		return nil
	case err == nil:
		return fmt.Errorf("short read of pid %d at %#x: %d of %d bytes", pid, addr, n, len(buf))
	case errors.Is(err, syscall.ENOSYS), errors.Is(err, syscall.EPERM):
		return readProcMem(pid, addr, buf)
	default:
		return err
	}
}

func readProcMem(pid uint32, addr uint64, buf []byte) error {
	procMem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return err
	}
	defer procMem.Close()

	if _, err := procMem.ReadAt(buf, int64(addr)); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}


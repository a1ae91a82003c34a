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
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

const tiMagic = "PPTI"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sink: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("sink: CBOR decoder initialization failed: " + err.Error())
	}
}

type tiHeader struct {
	Magic   string `cbor:"1,keyasint"`
	Version uint16 `cbor:"2,keyasint"`
	HostID  uint64 `cbor:"3,keyasint"`
}

// ProcessMetadata is one entry of a TI file.
type ProcessMetadata struct {
	PID        uint32 `cbor:"1,keyasint"`
	ParentPID  uint32 `cbor:"2,keyasint"`
	Core       uint32 `cbor:"3,keyasint"`
	Timestamp  uint64 `cbor:"4,keyasint"`
	Comm       string `cbor:"5,keyasint,omitempty"`
	Executable string `cbor:"6,keyasint,omitempty"`
}

// DescribeFunc fills in the name and executable of a process.
type DescribeFunc func(pid uint32) (comm, exe string, err error)

var _ pmu.MetadataWriter = (*MetadataWriter)(nil)

// MetadataWriter writes the TI file, a CBOR stream of attached processes.
type MetadataWriter struct {
	hostID   uint64
	create   CreateFunc
	describe DescribeFunc

	mtx  sync.Mutex
	f    io.WriteCloser
	enc  *cbor.Encoder
	path string
}

// NewMetadataWriter returns a writer for TI files. create and describe may
// be nil.
func NewMetadataWriter(hostID uint64, create CreateFunc, describe DescribeFunc) *MetadataWriter {
	if create == nil {
		create = createFile
	}
	return &MetadataWriter{hostID: hostID, create: create, describe: describe}
}

func (m *MetadataWriter) Open(path string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.f != nil {
		return fmt.Errorf("metadata file %s already open: %w", m.path, pmu.ErrBusy)
	}
	f, err := m.create(path)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	enc := encMode.NewEncoder(f)
	if err := enc.Encode(tiHeader{Magic: tiMagic, Version: formatVersion, HostID: m.hostID}); err != nil {
		return errors.Join(fmt.Errorf("write metadata header: %w", err), f.Close())
	}
	m.f, m.enc, m.path = f, enc, path
	return nil
}

func (m *MetadataWriter) WriteProcess(info pmu.ProcessInfo) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.f == nil {
		return fmt.Errorf("metadata file not open: %w", pmu.ErrInvalidOperation)
	}
	entry := ProcessMetadata{
		PID:       info.PID,
		ParentPID: info.ParentPID,
		Core:      info.Core,
		Timestamp: info.Timestamp,
	}
	if m.describe != nil {
		// The process may be gone already, the entry is written anyway.
		entry.Comm, entry.Executable, _ = m.describe(info.PID)
	}
	if err := m.enc.Encode(entry); err != nil {
		return fmt.Errorf("write process %d: %w", info.PID, err)
	}
	return nil
}

func (m *MetadataWriter) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f, m.enc = nil, nil
	return err
}

func (m *MetadataWriter) IsOpened() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.f != nil
}

func (m *MetadataWriter) Path() string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.path
}

// ReadMetadata decodes a TI stream.
func ReadMetadata(r io.Reader) (hostID uint64, procs []ProcessMetadata, err error) {
	dec := decMode.NewDecoder(r)

	var hdr tiHeader
	if err := dec.Decode(&hdr); err != nil {
		return 0, nil, fmt.Errorf("read metadata header: %w: %w", pmu.ErrFileInvalid, err)
	}
	if hdr.Magic != tiMagic {
		return 0, nil, fmt.Errorf("bad metadata magic %q: %w", hdr.Magic, pmu.ErrFileInvalid)
	}

	for {
		var p ProcessMetadata
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			return hdr.HostID, procs, nil
		}
		if err != nil {
			return hdr.HostID, procs, fmt.Errorf("read process entry: %w", err)
		}
		procs = append(procs, p)
	}
}

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

	"github.com/cespare/xxhash/v2"

	"github.com/parca-dev/parca-pmu/pkg/pmu"
)

// Header is the fixed preamble of a PRD file.
type Header struct {
	Version     uint16
	Compression Compression
	StartTime   uint64
	Frequency   uint64
	HostID      uint64
}

// Reader decodes the records of a PRD file in write order.
type Reader struct {
	Header Header

	r     io.Reader
	block decoder
}

// NewReader reads and validates the file header.
func NewReader(r io.Reader) (*Reader, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w: %w", pmu.ErrFileInvalid, err)
	}
	if string(hdr[:4]) != magic {
		return nil, fmt.Errorf("bad magic %q: %w", hdr[:4], pmu.ErrFileInvalid)
	}

	d := decoder{buf: hdr[4:]}
	h := Header{
		Version:     d.uint16(),
		Compression: Compression(d.uint8()),
	}
	d.uint8()
	h.StartTime = d.uint64()
	h.Frequency = d.uint64()
	h.HostID = d.uint64()
	if h.Version != formatVersion {
		return nil, fmt.Errorf("unsupported version %d: %w", h.Version, pmu.ErrFileInvalid)
	}
	return &Reader{Header: h, r: r}, nil
}

// Next returns the next record, or io.EOF once the file is exhausted.
func (r *Reader) Next() (Record, error) {
	for len(r.block.buf) == 0 {
		if err := r.nextBlock(); err != nil {
			return nil, err
		}
	}
	return decodeRecord(&r.block)
}

func (r *Reader) nextBlock() error {
	var frame [frameHeaderSize]byte
	if _, err := io.ReadFull(r.r, frame[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read block header: %w", err)
	}

	d := decoder{buf: frame[:]}
	codec := Compression(d.uint8())
	rawLen := int(d.uint32())
	payloadLen := int(d.uint32())
	sum := d.uint64()

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return fmt.Errorf("read block: %w", err)
	}
	raw, err := decompress(codec, payload, rawLen)
	if err != nil {
		return fmt.Errorf("%w: %w", pmu.ErrFileInvalid, err)
	}
	if xxhash.Sum64(raw) != sum {
		return fmt.Errorf("block checksum mismatch: %w", pmu.ErrFileInvalid)
	}
	r.block = decoder{buf: raw}
	return nil
}

// ReadAll decodes every record of a PRD stream.
func ReadAll(rd io.Reader) (Header, []Record, error) {
	r, err := NewReader(rd)
	if err != nil {
		return Header{}, nil, err
	}
	var recs []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return r.Header, recs, nil
		}
		if err != nil {
			return r.Header, recs, err
		}
		recs = append(recs, rec)
	}
}

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

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the codec of a PRD block.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionSnappy
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression returns the codec named name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

var errIncompressible = errors.New("block is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("sink: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sink: zstd decoder initialization failed: " + err.Error())
	}
}

// compress encodes raw with c. Blocks that do not shrink are stored as is
// and the returned codec says so.
func compress(c Compression, raw []byte) (Compression, []byte, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CompressionNone:
		return CompressionNone, raw, nil
	case CompressionZstd:
		out = zstdEncoder.EncodeAll(raw, nil)
	case CompressionSnappy:
		out = snappy.Encode(nil, raw)
	case CompressionLZ4:
		out, err = compressLZ4(raw)
	default:
		return 0, nil, fmt.Errorf("unsupported compression: %s", c)
	}
	if errors.Is(err, errIncompressible) || (err == nil && len(out) >= len(raw)) {
		return CompressionNone, raw, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return c, out, nil
}

func compressLZ4(raw []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompress(c Compression, payload []byte, rawLen int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CompressionNone:
		out = payload
	case CompressionZstd:
		out, err = zstdDecoder.DecodeAll(payload, make([]byte, 0, rawLen))
	case CompressionSnappy:
		out, err = snappy.Decode(make([]byte, rawLen), payload)
	case CompressionLZ4:
		out = make([]byte, rawLen)
		var n int
		if n, err = lz4.UncompressBlock(payload, out); err == nil {
			out = out[:n]
		}
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c, err)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("%s decompress: got %d bytes, expected %d", c, len(out), rawLen)
	}
	return out, nil
}

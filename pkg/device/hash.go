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

package device

import (
	"encoding/hex"
	"hash"
	"io"

	"github.com/minio/highwayhash"
)

var key = mustDecode("000102030405060708090A0B0C0D0E0FF0E0D0C0B0A090807060504030201000")

func mustDecode(key string) []byte {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		panic("Cannot decode hex key: " + err.Error())
	}
	return keyBytes
}

func newHash() (hash.Hash64, error) {
	return highwayhash.New64(key)
}

// fingerprint hashes parts in order, each terminated by a zero byte.
func fingerprint(parts ...string) (uint64, error) {
	h, err := newHash()
	if err != nil {
		return 0, err
	}
	for _, p := range parts {
		if _, err := io.WriteString(h, p); err != nil {
			return 0, err
		}
		if _, err := h.Write([]byte{0}); err != nil {
			return 0, err
		}
	}
	return h.Sum64(), nil
}

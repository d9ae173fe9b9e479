// Copyright (C) 2026 Syndactyl Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// s2 compression for substrate payloads, grounded on compr.Compressor's
// s2Compressor/s2Decompressor wrappers (compr/compression.go). Chunk
// responses and broadcast event batches are latency-sensitive on the
// hot path, which is why s2 (a fast, allocation-light Snappy-family
// codec) is used here rather than the teacher's zstd path, which
// trades speed for a better ratio on cold, offline data.
package substrate

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
)

// CompressThreshold is the payload size at or above which Wrap compresses
// before handing bytes to a Substrate call.
const CompressThreshold = 4096

const (
	flagPlain      byte = 0
	flagS2Compress byte = 1
)

// Wrap prepends a one-byte flag and, for payloads at or above
// CompressThreshold, the original length and an s2-compressed body.
// Unwrap reverses this. Substrate implementations are free to ignore
// Wrap/Unwrap entirely (the interface carries plain []byte); they
// exist so internal/protocol can opt a given call into compression
// without the Substrate interface itself needing to know about it.
func Wrap(payload []byte) []byte {
	if len(payload) < CompressThreshold {
		out := make([]byte, 1+len(payload))
		out[0] = flagPlain
		copy(out[1:], payload)
		return out
	}
	compressed := s2.Encode(nil, payload)
	out := make([]byte, 1+8+len(compressed))
	out[0] = flagS2Compress
	binary.LittleEndian.PutUint64(out[1:9], uint64(len(payload)))
	copy(out[9:], compressed)
	return out
}

// Unwrap reverses Wrap.
func Unwrap(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("substrate: empty wrapped payload")
	}
	flag, body := buf[0], buf[1:]
	switch flag {
	case flagPlain:
		return body, nil
	case flagS2Compress:
		if len(body) < 8 {
			return nil, fmt.Errorf("substrate: truncated compressed payload")
		}
		originalLen := binary.LittleEndian.Uint64(body[:8])
		dst := make([]byte, originalLen)
		got, err := s2.Decode(dst[:0:len(dst)], body[8:])
		if err != nil {
			return nil, fmt.Errorf("substrate: s2 decode: %w", err)
		}
		if uint64(len(got)) != originalLen {
			return nil, fmt.Errorf("substrate: expected %d bytes decompressed, got %d", originalLen, len(got))
		}
		return got, nil
	default:
		return nil, fmt.Errorf("substrate: unknown payload flag %d", flag)
	}
}

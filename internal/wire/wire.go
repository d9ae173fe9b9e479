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

// Package wire implements the binary on-the-wire encoding for file
// events and chunk requests/responses (spec §4.6): "self-describing
// binary records... forward-compatibility requires ignoring unknown
// fields."
//
// Every record opens with an 8-byte magic number (the same
// magic-plus-fixed-header idea as tenant/tnproto/reader.go's header,
// generalized here into a magic-plus-TLV-body scheme) followed by a
// one-byte message type and a sequence of tag/length/value fields. A
// decoder that does not recognize a tag skips exactly `length` bytes
// and moves on, so a future sender may add fields an older receiver
// silently ignores.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syndactyl/syndactyl/internal/model"
)

// recordMagic opens every encoded record. The high byte (0xd1) is
// chosen, per tnproto's convention, to be unlikely to collide with
// other framing a transport might layer underneath.
const recordMagic uint64 = 0xd15c0e5e2a7c11f0

// Message type discriminators, carried as the byte immediately after
// the magic number.
const (
	typeFileEvent byte = iota + 1
	typeChunkRequest
	typeChunkResponse
)

// Field tags. Tags are scoped per message type in practice (there is
// no cross-type tag registry) but are kept globally distinct here for
// clarity.
const (
	tagObserver byte = iota + 1
	tagKind
	tagPath
	tagContentHash
	tagSize
	tagModifiedTime
	tagOriginPeer
	tagAuthTag
	tagOffset
	tagMaxLen
	tagData
	tagTotalSize
	tagIsLast
	tagErrorCode
)

// ErrBadMagic is returned when a buffer does not begin with the
// expected record magic.
var ErrBadMagic = errors.New("wire: bad magic")

// ErrTruncated is returned when a buffer ends before a length-
// prefixed field is fully present.
var ErrTruncated = errors.New("wire: truncated record")

// ErrUnknownType is returned when a record's message-type byte does
// not match any of the types this package knows how to decode.
var ErrUnknownType = errors.New("wire: unknown message type")

type tlvWriter struct {
	buf []byte
}

func newWriter(msgType byte) *tlvWriter {
	w := &tlvWriter{buf: make([]byte, 0, 128)}
	var magic [8]byte
	binary.LittleEndian.PutUint64(magic[:], recordMagic)
	w.buf = append(w.buf, magic[:]...)
	w.buf = append(w.buf, msgType)
	return w
}

func (w *tlvWriter) field(tag byte, value []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(value)))
	w.buf = append(w.buf, tag)
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, value...)
}

func (w *tlvWriter) bytes() []byte { return w.buf }

type tlvField struct {
	tag   byte
	value []byte
}

// parseRecord validates the magic and message type, then returns the
// message type and the decoded TLV field list. Unknown tags are kept
// in the list (not silently dropped) so a caller could in principle
// inspect them; callers that don't recognize a tag simply don't look
// for it, which is the forward-compatibility property spec §4.6
// requires.
func parseRecord(buf []byte) (msgType byte, fields []tlvField, err error) {
	if len(buf) < 9 {
		return 0, nil, ErrTruncated
	}
	if binary.LittleEndian.Uint64(buf[:8]) != recordMagic {
		return 0, nil, ErrBadMagic
	}
	msgType = buf[8]
	rest := buf[9:]
	for len(rest) > 0 {
		if len(rest) < 5 {
			return 0, nil, ErrTruncated
		}
		tag := rest[0]
		length := binary.LittleEndian.Uint32(rest[1:5])
		rest = rest[5:]
		if uint32(len(rest)) < length {
			return 0, nil, ErrTruncated
		}
		fields = append(fields, tlvField{tag: tag, value: rest[:length]})
		rest = rest[length:]
	}
	return msgType, fields, nil
}

func findField(fields []tlvField, tag byte) ([]byte, bool) {
	for _, f := range fields {
		if f.tag == tag {
			return f.value, true
		}
	}
	return nil, false
}

// MessageKind distinguishes a decoded record's payload type, exported
// so a caller (the protocol engine) can dispatch before picking which
// Decode* function to call.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindFileEvent
	KindChunkRequest
	KindChunkResponse
)

// PeekKind reports which message a record holds without fully
// decoding its fields, so the protocol engine's dispatch loop can
// route bytes to the right Decode* function.
func PeekKind(buf []byte) (MessageKind, error) {
	msgType, _, err := parseRecord(buf)
	if err != nil {
		return KindUnknown, err
	}
	switch msgType {
	case typeFileEvent:
		return KindFileEvent, nil
	case typeChunkRequest:
		return KindChunkRequest, nil
	case typeChunkResponse:
		return KindChunkResponse, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %d", ErrUnknownType, msgType)
	}
}

// EncodeFileEvent serializes a FileEvent into a self-describing
// binary record (spec §4.6).
func EncodeFileEvent(ev *model.FileEvent) []byte {
	w := newWriter(typeFileEvent)
	w.field(tagObserver, []byte(ev.Observer))
	w.field(tagKind, []byte{byte(ev.Kind)})
	w.field(tagPath, []byte(ev.Path))
	w.field(tagContentHash, ev.ContentHash[:])
	w.field(tagSize, uint64Bytes(ev.Size))
	w.field(tagModifiedTime, int64Bytes(ev.ModifiedTime))
	if len(ev.OriginPeer) > 0 {
		w.field(tagOriginPeer, ev.OriginPeer)
	}
	if ev.AuthTag != nil {
		w.field(tagAuthTag, ev.AuthTag[:])
	}
	return w.bytes()
}

// DecodeFileEvent parses a record produced by EncodeFileEvent. Fields
// this package does not recognize are skipped, not rejected.
func DecodeFileEvent(buf []byte) (*model.FileEvent, error) {
	msgType, fields, err := parseRecord(buf)
	if err != nil {
		return nil, err
	}
	if msgType != typeFileEvent {
		return nil, fmt.Errorf("%w: expected file event, got type %d", ErrUnknownType, msgType)
	}
	ev := &model.FileEvent{}
	if v, ok := findField(fields, tagObserver); ok {
		ev.Observer = string(v)
	}
	if v, ok := findField(fields, tagKind); ok && len(v) == 1 {
		ev.Kind = model.EventKind(v[0])
	}
	if v, ok := findField(fields, tagPath); ok {
		ev.Path = string(v)
	}
	if v, ok := findField(fields, tagContentHash); ok && len(v) == model.HashSize {
		copy(ev.ContentHash[:], v)
	}
	if v, ok := findField(fields, tagSize); ok {
		ev.Size, err = bytesUint64(v)
		if err != nil {
			return nil, err
		}
	}
	if v, ok := findField(fields, tagModifiedTime); ok {
		n, err := bytesUint64(v)
		if err != nil {
			return nil, err
		}
		ev.ModifiedTime = int64(n)
	}
	if v, ok := findField(fields, tagOriginPeer); ok {
		ev.OriginPeer = append([]byte(nil), v...)
	}
	if v, ok := findField(fields, tagAuthTag); ok && len(v) == model.HashSize {
		var tag model.Tag
		copy(tag[:], v)
		ev.AuthTag = &tag
	}
	return ev, nil
}

// EncodeChunkRequest serializes a ChunkRequest (spec §4.6).
func EncodeChunkRequest(req *model.ChunkRequest) []byte {
	w := newWriter(typeChunkRequest)
	w.field(tagObserver, []byte(req.Observer))
	w.field(tagPath, []byte(req.Path))
	w.field(tagOffset, uint64Bytes(req.Offset))
	w.field(tagMaxLen, uint32Bytes(req.MaxLen))
	return w.bytes()
}

// DecodeChunkRequest parses a record produced by EncodeChunkRequest.
func DecodeChunkRequest(buf []byte) (*model.ChunkRequest, error) {
	msgType, fields, err := parseRecord(buf)
	if err != nil {
		return nil, err
	}
	if msgType != typeChunkRequest {
		return nil, fmt.Errorf("%w: expected chunk request, got type %d", ErrUnknownType, msgType)
	}
	req := &model.ChunkRequest{}
	if v, ok := findField(fields, tagObserver); ok {
		req.Observer = string(v)
	}
	if v, ok := findField(fields, tagPath); ok {
		req.Path = string(v)
	}
	if v, ok := findField(fields, tagOffset); ok {
		req.Offset, err = bytesUint64(v)
		if err != nil {
			return nil, err
		}
	}
	if v, ok := findField(fields, tagMaxLen); ok {
		n, err := bytesUint32(v)
		if err != nil {
			return nil, err
		}
		req.MaxLen = n
	}
	return req, nil
}

// EncodeChunkResponse serializes a ChunkResponse (spec §4.6).
func EncodeChunkResponse(resp *model.ChunkResponse) []byte {
	w := newWriter(typeChunkResponse)
	w.field(tagObserver, []byte(resp.Observer))
	w.field(tagPath, []byte(resp.Path))
	w.field(tagOffset, uint64Bytes(resp.Offset))
	w.field(tagData, resp.Data)
	w.field(tagTotalSize, uint64Bytes(resp.TotalSize))
	w.field(tagContentHash, resp.ContentHash[:])
	isLast := byte(0)
	if resp.IsLast {
		isLast = 1
	}
	w.field(tagIsLast, []byte{isLast})
	w.field(tagErrorCode, []byte{byte(resp.ErrorCode)})
	return w.bytes()
}

// DecodeChunkResponse parses a record produced by EncodeChunkResponse.
func DecodeChunkResponse(buf []byte) (*model.ChunkResponse, error) {
	msgType, fields, err := parseRecord(buf)
	if err != nil {
		return nil, err
	}
	if msgType != typeChunkResponse {
		return nil, fmt.Errorf("%w: expected chunk response, got type %d", ErrUnknownType, msgType)
	}
	resp := &model.ChunkResponse{}
	if v, ok := findField(fields, tagObserver); ok {
		resp.Observer = string(v)
	}
	if v, ok := findField(fields, tagPath); ok {
		resp.Path = string(v)
	}
	if v, ok := findField(fields, tagOffset); ok {
		resp.Offset, err = bytesUint64(v)
		if err != nil {
			return nil, err
		}
	}
	if v, ok := findField(fields, tagData); ok {
		resp.Data = append([]byte(nil), v...)
	}
	if v, ok := findField(fields, tagTotalSize); ok {
		resp.TotalSize, err = bytesUint64(v)
		if err != nil {
			return nil, err
		}
	}
	if v, ok := findField(fields, tagContentHash); ok && len(v) == model.HashSize {
		copy(resp.ContentHash[:], v)
	}
	if v, ok := findField(fields, tagIsLast); ok && len(v) == 1 {
		resp.IsLast = v[0] != 0
	}
	if v, ok := findField(fields, tagErrorCode); ok && len(v) == 1 {
		resp.ErrorCode = model.ErrorCode(v[0])
	}
	return resp, nil
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func int64Bytes(v int64) []byte { return uint64Bytes(uint64(v)) }

func uint32Bytes(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func bytesUint64(v []byte) (uint64, error) {
	if len(v) != 8 {
		return 0, fmt.Errorf("wire: expected 8-byte field, got %d bytes", len(v))
	}
	return binary.LittleEndian.Uint64(v), nil
}

func bytesUint32(v []byte) (uint32, error) {
	if len(v) != 4 {
		return 0, fmt.Errorf("wire: expected 4-byte field, got %d bytes", len(v))
	}
	return binary.LittleEndian.Uint32(v), nil
}

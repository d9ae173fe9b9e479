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

package wire

import (
	"bytes"
	"testing"

	"github.com/syndactyl/syndactyl/internal/model"
)

func TestFileEventRoundTrip(t *testing.T) {
	tag := model.Tag{1, 2, 3}
	ev := &model.FileEvent{
		Observer:     "docs",
		Kind:         model.Modify,
		Path:         "a/b/c.txt",
		ContentHash:  model.Hash{9, 8, 7},
		Size:         4096,
		ModifiedTime: 1732900000000000000,
		OriginPeer:   []byte("peer-a"),
		AuthTag:      &tag,
	}
	buf := EncodeFileEvent(ev)
	got, err := DecodeFileEvent(buf)
	if err != nil {
		t.Fatalf("DecodeFileEvent: %s", err)
	}
	if got.Observer != ev.Observer || got.Kind != ev.Kind || got.Path != ev.Path {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, ev)
	}
	if got.ContentHash != ev.ContentHash || got.Size != ev.Size || got.ModifiedTime != ev.ModifiedTime {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, ev)
	}
	if !bytes.Equal(got.OriginPeer, ev.OriginPeer) {
		t.Fatalf("OriginPeer mismatch: %x vs %x", got.OriginPeer, ev.OriginPeer)
	}
	if got.AuthTag == nil || *got.AuthTag != *ev.AuthTag {
		t.Fatalf("AuthTag mismatch: %v vs %v", got.AuthTag, ev.AuthTag)
	}
}

func TestFileEventWithoutAuthTagRoundTrips(t *testing.T) {
	ev := &model.FileEvent{Observer: "docs", Kind: model.Delete, Path: "gone.txt"}
	buf := EncodeFileEvent(ev)
	got, err := DecodeFileEvent(buf)
	if err != nil {
		t.Fatalf("DecodeFileEvent: %s", err)
	}
	if got.AuthTag != nil {
		t.Fatalf("expected nil AuthTag, got %v", got.AuthTag)
	}
}

func TestChunkRequestRoundTrip(t *testing.T) {
	req := &model.ChunkRequest{Observer: "docs", Path: "a.txt", Offset: 4096, MaxLen: 1 << 20}
	buf := EncodeChunkRequest(req)
	got, err := DecodeChunkRequest(buf)
	if err != nil {
		t.Fatalf("DecodeChunkRequest: %s", err)
	}
	if *got != *req {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, req)
	}
}

func TestChunkResponseRoundTrip(t *testing.T) {
	resp := &model.ChunkResponse{
		Observer:    "docs",
		Path:        "a.txt",
		Offset:      0,
		Data:        []byte("hello world"),
		TotalSize:   11,
		ContentHash: model.Hash{1, 1, 1},
		IsLast:      true,
		ErrorCode:   model.NoError,
	}
	buf := EncodeChunkResponse(resp)
	got, err := DecodeChunkResponse(buf)
	if err != nil {
		t.Fatalf("DecodeChunkResponse: %s", err)
	}
	if got.Observer != resp.Observer || got.Path != resp.Path || got.Offset != resp.Offset {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, resp)
	}
	if !bytes.Equal(got.Data, resp.Data) || got.TotalSize != resp.TotalSize {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, resp)
	}
	if got.ContentHash != resp.ContentHash || got.IsLast != resp.IsLast || got.ErrorCode != resp.ErrorCode {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, resp)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 16)
	if _, err := DecodeFileEvent(buf); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeRejectsWrongMessageType(t *testing.T) {
	req := &model.ChunkRequest{Observer: "docs", Path: "a.txt"}
	buf := EncodeChunkRequest(req)
	if _, err := DecodeFileEvent(buf); err == nil {
		t.Fatalf("expected error decoding a chunk request as a file event")
	}
}

func TestUnknownTrailingFieldIsSkipped(t *testing.T) {
	ev := &model.FileEvent{Observer: "docs", Kind: model.Create, Path: "a.txt"}
	buf := EncodeFileEvent(ev)

	// append a field with a tag this package does not recognize, to
	// simulate a newer sender adding a field.
	const futureTag = byte(200)
	extra := append([]byte(nil), buf...)
	extra = append(extra, futureTag)
	var lenBuf [4]byte
	payload := []byte("from-the-future")
	lenBuf[0] = byte(len(payload))
	extra = append(extra, lenBuf[:]...)
	extra = append(extra, payload...)

	got, err := DecodeFileEvent(extra)
	if err != nil {
		t.Fatalf("DecodeFileEvent with unknown trailing field: %s", err)
	}
	if got.Path != "a.txt" {
		t.Fatalf("expected known fields to still decode, got %+v", got)
	}
}

func TestPeekKind(t *testing.T) {
	ev := &model.FileEvent{Observer: "docs", Path: "a.txt"}
	if k, err := PeekKind(EncodeFileEvent(ev)); err != nil || k != KindFileEvent {
		t.Fatalf("PeekKind(file event) = %v, %v", k, err)
	}
	req := &model.ChunkRequest{Observer: "docs", Path: "a.txt"}
	if k, err := PeekKind(EncodeChunkRequest(req)); err != nil || k != KindChunkRequest {
		t.Fatalf("PeekKind(chunk request) = %v, %v", k, err)
	}
	resp := &model.ChunkResponse{Observer: "docs", Path: "a.txt"}
	if k, err := PeekKind(EncodeChunkResponse(resp)); err != nil || k != KindChunkResponse {
		t.Fatalf("PeekKind(chunk response) = %v, %v", k, err)
	}
}

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

// Package authenticator computes and verifies the per-observer
// authentication tag carried on file events (spec §4.2).
//
// The tag is a keyed hash over the event's identifying fields, the
// same shape as aws.SigningKey's request signature in aws/v4.go
// (macinto/derive), except the keyed primitive here is BLAKE2b-256
// rather than HMAC-SHA256: BLAKE2b takes a key natively, so there is
// no need for SigV4's date/region/service key derivation chain.
package authenticator

import (
	"crypto/subtle"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/syndactyl/syndactyl/internal/model"
)

// fieldSeparator is the literal byte that joins the canonical fields
// (spec §4.2).
const fieldSeparator = '|'

// canonical writes the canonical serialization of ev's identifying
// fields into dst, per spec §4.2:
//
//	observer | event_kind | path | content_hash_hex | size_decimal | modified_time_decimal
func canonical(dst []byte, ev *model.FileEvent) []byte {
	dst = append(dst, ev.Observer...)
	dst = append(dst, fieldSeparator)
	dst = append(dst, ev.Kind.String()...)
	dst = append(dst, fieldSeparator)
	dst = append(dst, ev.Path...)
	dst = append(dst, fieldSeparator)
	dst = appendHex(dst, ev.ContentHash[:])
	dst = append(dst, fieldSeparator)
	dst = strconv.AppendUint(dst, uint64(ev.Size), 10)
	dst = append(dst, fieldSeparator)
	dst = strconv.AppendInt(dst, ev.ModifiedTime, 10)
	return dst
}

const hextable = "0123456789abcdef"

func appendHex(dst, src []byte) []byte {
	for _, b := range src {
		dst = append(dst, hextable[b>>4], hextable[b&0x0f])
	}
	return dst
}

// Tag computes the authentication tag for ev under secret. The
// returned tag is only meaningful for observers that have a
// non-empty shared secret (spec §4.2's "no secret -> accept with
// insecure-accept" path never calls this).
func Tag(secret []byte, ev *model.FileEvent) (model.Tag, error) {
	h, err := blake2b.New256(secret)
	if err != nil {
		return model.Tag{}, err
	}
	buf := canonical(make([]byte, 0, 128), ev)
	h.Write(buf)
	var tag model.Tag
	h.Sum(tag[:0])
	return tag, nil
}

// Verdict is the receiver-side outcome of authenticating a file
// event, per spec §4.2's policy table.
type Verdict int

const (
	// Accepted means the tag matched the observer's secret.
	Accepted Verdict = iota
	// Rejected means the observer has a secret but the tag is
	// missing or does not match.
	Rejected
	// InsecureAccept means the observer has no secret at all; the
	// event is accepted, but a counter should be bumped.
	InsecureAccept
)

// Verify recomputes the tag for ev under observer's shared secret and
// compares it against ev.AuthTag in constant time (no early exit on
// the first differing byte), per spec §4.2.
//
// Verify does not handle the "observer unknown locally" case; that is
// a decision for the caller, which has access to the observer
// registry and this package does not.
//
// A Rejected verdict always carries a non-nil error wrapping
// model.ErrUnauthorized, so a caller that only wants the
// errors.Is-able taxonomy of spec §7 can test the error instead of
// switching on Verdict.
func Verify(observer *model.Observer, ev *model.FileEvent) (Verdict, error) {
	if !observer.HasSecret() {
		return InsecureAccept, nil
	}
	if ev.AuthTag == nil {
		return Rejected, fmt.Errorf("%w: missing tag", model.ErrUnauthorized)
	}
	want, err := Tag(observer.SharedSecret, ev)
	if err != nil {
		return Rejected, err
	}
	if subtle.ConstantTimeCompare(want[:], ev.AuthTag[:]) != 1 {
		return Rejected, fmt.Errorf("%w: tag mismatch", model.ErrUnauthorized)
	}
	return Accepted, nil
}

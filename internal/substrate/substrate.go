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

// Package substrate defines the abstract messaging interface the
// Protocol Engine (internal/protocol) depends on (spec §4.6, C6):
// best-effort broadcast, request/response, and peer enumeration. Any
// conforming transport suffices; this package also ships an in-memory
// reference implementation used by tests and local demos.
package substrate

import "context"

// BroadcastMessage is delivered to a broadcast subscriber.
type BroadcastMessage struct {
	SenderPeer []byte
	Payload    []byte
}

// IncomingRequest is delivered to a request server. Reply must be
// called exactly once; calling it more than once is a programmer
// error in the adapter implementation, not something callers need to
// guard against.
type IncomingRequest struct {
	SenderPeer []byte
	Payload    []byte
	Reply      func(payload []byte, err error)
}

// Substrate is the messaging surface the protocol engine consumes
// (spec §4.6).
type Substrate interface {
	// LocalPeerID returns this node's own opaque peer identifier.
	LocalPeerID() []byte

	// KnownPeers returns a snapshot of peers currently reachable for
	// Request.
	KnownPeers() [][]byte

	// BroadcastPublish is fire-and-forget, best-effort delivery to
	// every subscriber of topic. Duplicates are possible; delivery to
	// self is not guaranteed, and callers must ignore self-origin
	// messages via an origin check regardless.
	BroadcastPublish(topic string, payload []byte) error

	// BroadcastSubscribe returns a channel of messages published to
	// topic, and an unsubscribe function. The channel is closed after
	// unsubscribe is called.
	BroadcastSubscribe(topic string) (<-chan BroadcastMessage, func())

	// Request performs a single round trip to peer, failing fast if
	// peer is not reachable.
	Request(ctx context.Context, peer []byte, payload []byte) ([]byte, error)

	// ServeRequests returns the channel of inbound requests from
	// other peers. Each IncomingRequest must be replied to exactly
	// once via its Reply function.
	ServeRequests() <-chan IncomingRequest
}

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

package substrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPeerUnreachable is returned by Request when the addressed peer
// is not (or no longer) attached to the Mesh.
var ErrPeerUnreachable = errors.New("substrate: peer unreachable")

// Mesh is an in-memory reference Substrate shared by every Peer
// attached to it, suitable for tests and single-process demos. It is
// the simplest possible conforming implementation of the interface in
// substrate.go: every Publish/Request call is a direct, synchronous
// hand-off to the destination's channels, with no real network in
// between.
type Mesh struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

// NewMesh returns an empty Mesh.
func NewMesh() *Mesh {
	return &Mesh{peers: make(map[string]*Peer)}
}

// NewPeer attaches a new Peer identified by id to the mesh.
func (m *Mesh) NewPeer(id []byte) *Peer {
	p := &Peer{
		id:    append([]byte(nil), id...),
		mesh:  m,
		subs:  make(map[string][]chan BroadcastMessage),
		serve: make(chan IncomingRequest, 64),
	}
	m.mu.Lock()
	m.peers[string(id)] = p
	m.mu.Unlock()
	return p
}

// Remove detaches a peer so it is no longer a KnownPeers() member or a
// Request target.
func (m *Mesh) Remove(id []byte) {
	m.mu.Lock()
	delete(m.peers, string(id))
	m.mu.Unlock()
}

func (m *Mesh) snapshot() []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *Mesh) lookup(id []byte) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[string(id)]
}

// Peer is one node's view of the Mesh; it implements Substrate.
type Peer struct {
	id   []byte
	mesh *Mesh

	subMu sync.Mutex
	subs  map[string][]chan BroadcastMessage

	serve chan IncomingRequest
}

func (p *Peer) LocalPeerID() []byte { return p.id }

func (p *Peer) KnownPeers() [][]byte {
	peers := p.mesh.snapshot()
	out := make([][]byte, 0, len(peers))
	for _, other := range peers {
		if bytes.Equal(other.id, p.id) {
			continue
		}
		out = append(out, other.id)
	}
	return out
}

func (p *Peer) BroadcastPublish(topic string, payload []byte) error {
	msg := BroadcastMessage{SenderPeer: p.id, Payload: append([]byte(nil), payload...)}
	for _, other := range p.mesh.snapshot() {
		other.deliverBroadcast(topic, msg)
	}
	return nil
}

func (p *Peer) deliverBroadcast(topic string, msg BroadcastMessage) {
	p.subMu.Lock()
	subs := append([]chan BroadcastMessage(nil), p.subs[topic]...)
	p.subMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			// best-effort delivery (spec §4.6): a full subscriber
			// channel drops the message rather than blocking the
			// whole mesh.
		}
	}
}

func (p *Peer) BroadcastSubscribe(topic string) (<-chan BroadcastMessage, func()) {
	ch := make(chan BroadcastMessage, 64)
	p.subMu.Lock()
	p.subs[topic] = append(p.subs[topic], ch)
	p.subMu.Unlock()

	unsubscribe := func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		list := p.subs[topic]
		for i, c := range list {
			if c == ch {
				p.subs[topic] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

func (p *Peer) Request(ctx context.Context, peerID []byte, payload []byte) ([]byte, error) {
	target := p.mesh.lookup(peerID)
	if target == nil {
		return nil, fmt.Errorf("%w: %x", ErrPeerUnreachable, peerID)
	}
	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)
	req := IncomingRequest{
		SenderPeer: p.id,
		Payload:    append([]byte(nil), payload...),
		Reply: func(data []byte, err error) {
			resultCh <- result{data: data, err: err}
		},
	}
	select {
	case target.serve <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-resultCh:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Peer) ServeRequests() <-chan IncomingRequest { return p.serve }

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

// Package protocol implements the Protocol Engine (spec §4.5, C5):
// the single-threaded heart of the daemon. It owns the set of active
// transfers and is the sole writer to local files via internal/filestore,
// consuming outgoing file events, incoming broadcast events, incoming
// chunk requests, and internal chunk-fetch results with fair
// selection over one goroutine.
//
// Fetching a file from a peer is not pipelined (spec §4.5: "one
// outstanding [request] per (observer, path)"); each outstanding
// fetch runs its blocking request/response round trip on its own
// short-lived goroutine so the engine's own select loop is never
// blocked waiting on the network, but only ever one such goroutine is
// in flight per transfer, and only the engine goroutine itself
// mutates the transfer tracker, matching spec §9's "avoid
// back-pointers from C3 into C5; C3 returns intent... the engine
// dispatches."
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/syndactyl/syndactyl/internal/authenticator"
	"github.com/syndactyl/syndactyl/internal/filestore"
	"github.com/syndactyl/syndactyl/internal/model"
	"github.com/syndactyl/syndactyl/internal/stats"
	"github.com/syndactyl/syndactyl/internal/substrate"
	"github.com/syndactyl/syndactyl/internal/transfer"
	"github.com/syndactyl/syndactyl/internal/wire"
)

// DefaultTopic is the broadcast topic file events are published and
// subscribed on (spec §6).
const DefaultTopic = "syndactyl-gossip"

// Logger is the minimal logging interface this package accepts.
type Logger interface {
	Printf(format string, args ...interface{})
}

// chunkResult is delivered from a per-transfer fetch goroutine back
// to the engine's own goroutine, the only place the transfer tracker
// is mutated.
type chunkResult struct {
	key  transfer.Key
	resp *model.ChunkResponse
	err  error
}

// Engine is the Protocol Engine. Construct with New and run with Run
// on its own goroutine.
type Engine struct {
	Observers *model.Registry
	Store     *filestore.Store
	Sub       substrate.Substrate
	Stats     *stats.Stats
	Logger    Logger
	Topic     string
	LocalID   []byte

	// Outgoing receives file events built by internal/bridge, to be
	// published to the mesh.
	Outgoing <-chan *model.FileEvent

	tracker *transfer.Tracker

	// winningEvent tracks, per (observer, path), the last FileEvent
	// the engine acted on (started a transfer for, applied a delete
	// for, or found already matched by the local hash). Broadcast
	// delivery is unordered (spec §5), so a later-arriving event for a
	// key already has to be compared against this record, not just
	// against whatever transfer happens to be in flight, before it is
	// allowed to cancel and restart anything (spec §4.5's tie-break
	// rule, FileEvent.NewerThan).
	winningEvent map[transfer.Key]*model.FileEvent

	broadcastCh <-chan substrate.BroadcastMessage
	unsubscribe func()
	serveCh     <-chan substrate.IncomingRequest
	chunkDone   chan chunkResult

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// New constructs an Engine. topic defaults to DefaultTopic if empty.
func New(observers *model.Registry, store *filestore.Store, sub substrate.Substrate, st *stats.Stats, logger Logger, outgoing <-chan *model.FileEvent, topic string, localID []byte) *Engine {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Engine{
		Observers:    observers,
		Store:        store,
		Sub:          sub,
		Stats:        st,
		Logger:       logger,
		Topic:        topic,
		LocalID:      localID,
		Outgoing:     outgoing,
		tracker:      transfer.New(),
		winningEvent: make(map[transfer.Key]*model.FileEvent),
		chunkDone:    make(chan chunkResult, 16),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run is the engine's single-threaded event loop (spec §4.5). It
// blocks until Stop is called.
func (e *Engine) Run() {
	defer close(e.done)

	e.broadcastCh, e.unsubscribe = e.Sub.BroadcastSubscribe(e.Topic)
	defer e.unsubscribe()
	e.serveCh = e.Sub.ServeRequests()

	e.ticker = time.NewTicker(5 * time.Second)
	defer e.ticker.Stop()

	e.logf("protocol: started, known peers %v", sortedPeerStrings(e.Sub.KnownPeers()))

	for {
		select {
		case <-e.stop:
			// drain events already queued for publish before exiting
			for {
				select {
				case ev, ok := <-e.Outgoing:
					if !ok {
						return
					}
					e.publish(ev)
				default:
					return
				}
			}
		case ev, ok := <-e.Outgoing:
			if !ok {
				e.Outgoing = nil
				continue
			}
			e.publish(ev)
		case msg, ok := <-e.broadcastCh:
			if !ok {
				e.broadcastCh = nil
				continue
			}
			e.handleIncomingEvent(msg)
		case req, ok := <-e.serveCh:
			if !ok {
				e.serveCh = nil
				continue
			}
			e.serveRequest(req)
		case res := <-e.chunkDone:
			e.handleChunkResult(res)
		case <-e.ticker.C:
			e.checkDeadlines()
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// publish broadcasts an event authored locally by internal/bridge. A
// node counts its own authored file as synced the moment it is
// published, not only once some peer later fetches it back: spec §8
// scenario 1's "A's and B's counters show files_synced = 1" has the
// origin's own counter increment locally, with no round trip through
// the protocol engine's receive path required.
func (e *Engine) publish(ev *model.FileEvent) {
	payload := substrate.Wrap(wire.EncodeFileEvent(ev))
	if err := e.Sub.BroadcastPublish(e.Topic, payload); err != nil {
		e.logf("protocol: publish %s/%s: %s", ev.Observer, ev.Path, err)
		return
	}
	if e.Stats != nil && ev.Kind != model.Delete {
		e.Stats.AddFilesSynced(1)
		e.Stats.AddBytesTransferred(int64(ev.Size))
	}
}

// handleIncomingEvent implements the decide-to-fetch policy of spec
// §4.5.
func (e *Engine) handleIncomingEvent(msg substrate.BroadcastMessage) {
	raw, err := substrate.Unwrap(msg.Payload)
	if err != nil {
		e.logf("protocol: unwrap broadcast payload: %s", err)
		return
	}
	ev, err := wire.DecodeFileEvent(raw)
	if err != nil {
		e.logf("protocol: decode broadcast payload: %s", err)
		return
	}

	if bytesEqual(ev.OriginPeer, e.LocalID) {
		return // self-origin: spec §4.5 "Origin equals self -> ignore"
	}

	obs := e.Observers.Lookup(ev.Observer)
	if obs == nil {
		return // spec §4.5 "Observer unknown -> ignore"
	}

	verdict, err := authenticator.Verify(obs, ev)
	switch verdict {
	case authenticator.Rejected:
		if e.Stats != nil {
			e.Stats.AddUnauthorizedEvents(1)
		}
		e.logf("protocol: rejecting %s/%s: %s", ev.Observer, ev.Path, err)
		return
	case authenticator.InsecureAccept:
		if e.Stats != nil {
			e.Stats.AddInsecureAccepts(1)
		}
	}

	// Broadcast delivery is unordered (spec §5): the event for an
	// older (observer, path) state can legitimately arrive after a
	// newer one already won. Compare against whatever this engine last
	// acted on for the key, not just whatever transfer happens to be
	// in flight, before accepting a differing hash (spec §4.5's
	// tie-break: later modified_time, then lexicographically larger
	// content_hash).
	key := transfer.Key{Observer: ev.Observer, Path: ev.Path}
	if last := e.winningEvent[key]; last != nil && ev.ContentHash != last.ContentHash && !ev.NewerThan(last) {
		e.logf("protocol: dropping stale event for %s/%s (older than already-applied event)", ev.Observer, ev.Path)
		return
	}

	if ev.Kind == model.Delete {
		e.winningEvent[key] = ev
		if err := e.Store.Delete(ev.Observer, ev.Path); err != nil {
			e.logf("protocol: delete %s/%s: %s", ev.Observer, ev.Path, err)
		}
		return
	}

	localHash, err := e.Store.Hash(ev.Observer, ev.Path)
	if err == nil && localHash == ev.ContentHash {
		e.winningEvent[key] = ev
		e.logf("protocol: %s/%s up to date", ev.Observer, ev.Path)
		return
	}

	e.winningEvent[key] = ev
	e.startTransfer(ev)
}

// sortedPeerStrings gives a deterministic, human-readable ordering
// over a KnownPeers() snapshot for logging (spec §4.5's "fair
// selection" wants a stable order to reason about, even though
// scheduling itself is select-based, not round-robin).
func sortedPeerStrings(peers [][]byte) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = fmt.Sprintf("%x", p)
	}
	slices.Sort(out)
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (e *Engine) startTransfer(ev *model.FileEvent) {
	key := transfer.Key{Observer: ev.Observer, Path: ev.Path}

	if existing := e.tracker.Lookup(key); existing != nil {
		if existing.ExpectedHash == ev.ContentHash {
			return // spec §4.5: same expected_hash -> no-op
		}
		e.abortTransfer(e.tracker.Cancel(key))
	}

	scratch, err := e.Store.NewScratch(ev.Observer, int64(ev.Size))
	if err != nil {
		e.logf("protocol: new scratch for %s/%s: %s", ev.Observer, ev.Path, err)
		return
	}
	tf, err := e.tracker.Start(key, ev.ContentHash, ev.Size, ev.OriginPeer, scratch, time.Now())
	if err != nil {
		if !errors.Is(err, transfer.ErrHashChanged) {
			e.logf("protocol: start transfer for %s/%s: %s", ev.Observer, ev.Path, err)
		}
		scratch.Close()
		return
	}
	if e.Stats != nil {
		e.Stats.AddActiveTransfers(1)
	}
	e.requestChunk(tf)
}

func (e *Engine) abortTransfer(tf *transfer.Transfer) {
	if tf == nil {
		return
	}
	if err := e.Store.Abort(tf.Scratch); err != nil {
		e.logf("protocol: abort scratch for %s/%s: %s", tf.Key.Observer, tf.Key.Path, err)
	}
	if e.Stats != nil {
		e.Stats.AddActiveTransfers(-1)
	}
}

// requestChunk spawns the one outstanding fetch goroutine for tf's
// next offset. Per spec §4.5, requests are not pipelined: there is
// never more than one of these goroutines alive per transfer.
func (e *Engine) requestChunk(tf *transfer.Transfer) {
	req := &model.ChunkRequest{
		Observer: tf.Key.Observer,
		Path:     tf.Key.Path,
		Offset:   tf.NextOffset,
		MaxLen:   model.DefaultMaxChunkLen,
	}
	key := tf.Key
	peer := tf.SourcePeer
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transfer.DefaultChunkTimeout)
		defer cancel()
		payload := substrate.Wrap(wire.EncodeChunkRequest(req))
		raw, err := e.Sub.Request(ctx, peer, payload)
		if err != nil {
			e.chunkDone <- chunkResult{key: key, err: err}
			return
		}
		unwrapped, err := substrate.Unwrap(raw)
		if err != nil {
			e.chunkDone <- chunkResult{key: key, err: err}
			return
		}
		resp, err := wire.DecodeChunkResponse(unwrapped)
		if err != nil {
			e.chunkDone <- chunkResult{key: key, err: err}
			return
		}
		e.chunkDone <- chunkResult{key: key, resp: resp}
	}()
}

func (e *Engine) handleChunkResult(res chunkResult) {
	tf := e.tracker.Lookup(res.key)
	if tf == nil {
		return // transfer was cancelled or completed while in flight
	}
	if res.err != nil {
		e.dispatch(tf, tf.RetryChunk(time.Now()))
		return
	}
	e.dispatch(tf, tf.ApplyChunk(res.resp, time.Now()))
	if e.Stats != nil && res.resp != nil {
		e.Stats.AddBytesTransferred(int64(len(res.resp.Data)))
	}
}

// dispatch carries out the Action a Transfer method returned (spec
// §9's intent-enum design).
func (e *Engine) dispatch(tf *transfer.Transfer, action transfer.Action) {
	switch action {
	case transfer.ActionNone, transfer.ActionReject:
		// nothing to do
	case transfer.ActionRequestNext:
		e.requestChunk(tf)
	case transfer.ActionVerify:
		e.verify(tf)
	case transfer.ActionFail:
		e.tracker.Cancel(tf.Key)
		e.abortTransfer(tf)
	}
}

func (e *Engine) verify(tf *transfer.Transfer) {
	got, err := tf.Scratch.Hash()
	if err != nil {
		e.logf("protocol: hashing scratch for %s/%s: %s", tf.Key.Observer, tf.Key.Path, err)
		e.dispatch(tf, tf.Verified(false))
		return
	}
	match := got == tf.ExpectedHash
	if !match {
		if e.Stats != nil {
			e.Stats.AddHashMismatches(1)
		}
		e.logf("protocol: %s", fmt.Errorf("%w: %s/%s", model.ErrHashMismatch, tf.Key.Observer, tf.Key.Path))
	}
	action := tf.Verified(match)
	if action == transfer.ActionFail {
		e.tracker.Cancel(tf.Key)
		e.abortTransfer(tf)
		return
	}
	if err := e.Store.Commit(tf.Scratch, tf.Key.Observer, tf.Key.Path); err != nil {
		e.logf("protocol: commit %s/%s: %s", tf.Key.Observer, tf.Key.Path, err)
		e.tracker.Cancel(tf.Key)
		if e.Stats != nil {
			e.Stats.AddActiveTransfers(-1)
		}
		return
	}
	e.tracker.Cancel(tf.Key)
	if e.Stats != nil {
		e.Stats.AddActiveTransfers(-1)
		e.Stats.AddFilesSynced(1)
	}
	e.logf("protocol: sync-completed %s/%s", tf.Key.Observer, tf.Key.Path)
}

// serveRequest answers an inbound request by peeking its message kind
// and dispatching to a chunk-request handler; spec §4.6's substrate
// only carries chunk requests inbound via Request/ServeRequests (file
// events arrive via broadcast instead).
func (e *Engine) serveRequest(req substrate.IncomingRequest) {
	raw, err := substrate.Unwrap(req.Payload)
	if err != nil {
		req.Reply(nil, fmt.Errorf("protocol: unwrap request: %w", err))
		return
	}
	kind, err := wire.PeekKind(raw)
	if err != nil || kind != wire.KindChunkRequest {
		req.Reply(nil, fmt.Errorf("protocol: unexpected request payload"))
		return
	}
	cr, err := wire.DecodeChunkRequest(raw)
	if err != nil {
		req.Reply(nil, err)
		return
	}
	resp := e.buildChunkResponse(cr)
	req.Reply(substrate.Wrap(wire.EncodeChunkResponse(resp)), nil)
}

// buildChunkResponse implements "Serving a chunk request" (spec
// §4.5).
func (e *Engine) buildChunkResponse(req *model.ChunkRequest) *model.ChunkResponse {
	resp := &model.ChunkResponse{Observer: req.Observer, Path: req.Path}

	if e.Observers.Lookup(req.Observer) == nil {
		resp.ErrorCode = model.BadRequest
		return resp
	}
	if _, err := model.NormalizePath(req.Path); err != nil {
		resp.ErrorCode = model.BadRequest
		return resp
	}

	data, totalSize, isLast, err := e.Store.ReadChunk(req.Observer, req.Path, int64(req.Offset), int(req.MaxLen))
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			resp.ErrorCode = model.Gone
			e.logf("protocol: %s", fmt.Errorf("%w: %s/%s", model.ErrGone, req.Observer, req.Path))
		} else {
			resp.ErrorCode = model.Retryable
		}
		return resp
	}
	hash, err := e.Store.Hash(req.Observer, req.Path)
	if err != nil {
		resp.ErrorCode = model.Retryable
		return resp
	}
	resp.Data = data
	resp.TotalSize = uint64(totalSize)
	resp.ContentHash = hash
	resp.IsLast = isLast
	return resp
}

// checkDeadlines implements the transfer-wide no-progress deadline of
// spec §4.3: transfers with no progress for DefaultNoProgressTO are
// failed and their scratch files released.
func (e *Engine) checkDeadlines() {
	now := time.Now()
	for _, tf := range e.activeTransfers() {
		if tf.Stale(now) {
			e.tracker.Cancel(tf.Key)
			e.abortTransfer(tf)
			e.logf("protocol: transfer %s/%s timed out with no progress", tf.Key.Observer, tf.Key.Path)
		}
	}
}

// activeTransfers is a small helper for the deadline sweep: it returns
// Tracker.Snapshot, a fresh slice of every live transfer, so the sweep
// can cancel entries without mutating the map it is iterating.
func (e *Engine) activeTransfers() []*transfer.Transfer {
	return e.tracker.Snapshot()
}

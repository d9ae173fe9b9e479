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

package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/syndactyl/syndactyl/debug"
	"github.com/syndactyl/syndactyl/internal/bridge"
	"github.com/syndactyl/syndactyl/internal/config"
	"github.com/syndactyl/syndactyl/internal/filestore"
	"github.com/syndactyl/syndactyl/internal/model"
	"github.com/syndactyl/syndactyl/internal/protocol"
	"github.com/syndactyl/syndactyl/internal/stats"
	"github.com/syndactyl/syndactyl/internal/substrate"
	"github.com/syndactyl/syndactyl/pkg/watcher"
)

// defaultConfigPath is used when neither -c nor SYNDACTYL_CONFIG names
// a config file (spec §6).
const defaultConfigPath = "/etc/syndactyld/config.json"

// Exit codes, spec §6's "Process surface".
const (
	exitOK            = 0
	exitConfigError   = 2
	exitSubstrateFail = 3
)

func runDaemon(args []string) {
	cmd := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := cmd.String("c", "", "configuration file path (JSON or YAML); takes precedence over SYNDACTYL_CONFIG")
	peerIDPath := cmd.String("peer-id-file", "", "path to persist this node's peer identity (default: alongside the config file)")
	debugFd := cmd.Int("debug", -1, "file descriptor to bind pprof debug handlers to (linux only)")
	if err := cmd.Parse(args); err != nil {
		os.Exit(exitConfigError)
	}

	logger := log.New(os.Stderr, "", log.Lshortfile)

	if fd := *debugFd; fd >= 0 {
		bindDebugFd(fd, logger)
	}

	path := config.ResolvePath(*configPath, defaultConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		logger.Printf("syndactyld: %s", err)
		os.Exit(exitConfigError)
	}

	observers := make([]*model.Observer, 0, len(cfg.Observers))
	for _, oc := range cfg.Observers {
		observers = append(observers, &model.Observer{
			Name:         oc.Name,
			RootPath:     oc.Path,
			SharedSecret: []byte(oc.SharedSecret),
		})
	}
	registry, err := model.NewRegistry(observers)
	if err != nil {
		logger.Printf("syndactyld: %s", err)
		os.Exit(exitConfigError)
	}

	idPath := *peerIDPath
	if idPath == "" {
		idPath = filepath.Join(filepath.Dir(path), ".syndactyld-peer-id")
	}
	localID, err := loadOrCreatePeerID(idPath)
	if err != nil {
		logger.Printf("syndactyld: peer identity: %s", err)
		os.Exit(exitConfigError)
	}
	logger.Printf("syndactyld %s starting as peer %s", version, hex.EncodeToString(localID))

	store := &filestore.Store{Logger: logger, Observers: registry}
	for _, name := range registry.Names() {
		if err := store.ReconcileScratch(name); err != nil {
			logger.Printf("syndactyld: reconciling scratch for %q: %s", name, err)
		}
	}

	// The underlying peer-to-peer transport (discovery, connection
	// management, transport encryption) is an explicit external
	// collaborator of this daemon, not something it implements: the
	// core only ever consumes the Substrate interface of
	// internal/substrate. This binary wires up the in-memory reference
	// Mesh, which confines a daemon instance to observers it watches
	// locally plus any peers attached to the same process (useful for
	// local multi-observer fan-out and for tests); a deployment that
	// needs real cross-host delivery supplies its own Substrate
	// implementation satisfying the same interface.
	mesh := substrate.NewMesh()
	peer := mesh.NewPeer(localID)

	st := &stats.Stats{}
	events := make(chan *model.FileEvent, 256)

	var sources []watcher.Source
	var workers []*bridge.Worker
	for _, name := range registry.Names() {
		obs := registry.Lookup(name)
		src := watcher.NewPoller(obs.RootPath, 0, logger)
		sources = append(sources, src)
		w := bridge.NewWorker(obs, store, src, events, 0, localID, logger)
		workers = append(workers, w)
		go w.Run()
	}

	engine := protocol.New(registry, store, peer, st, logger, events, "", localID)
	go engine.Run()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Printf("syndactyld: shutting down")
	for _, w := range workers {
		w.Stop()
	}
	for _, s := range sources {
		s.Close()
	}
	engine.Stop()
	logger.Printf("syndactyld: files_synced=%d bytes_transferred=%d unauthorized_events=%d hash_mismatches=%d",
		st.FilesSynced(), st.BytesTransferred(), st.UnauthorizedEvents(), st.HashMismatches())
	os.Exit(exitOK)
}

// bindDebugFd wires the -debug flag to debug.Fd, which is only
// implemented on Linux; elsewhere it is reported as unavailable
// rather than crashing the daemon.
func bindDebugFd(fd int, logger *log.Logger) {
	if runtime.GOOS != "linux" {
		logger.Printf("syndactyld: -debug is only supported on linux, ignoring fd=%d", fd)
		return
	}
	debug.Fd(fd, logger)
}

// loadOrCreatePeerID returns the 16-byte peer identity persisted at
// path, generating and persisting a fresh one via crypto/rand if the
// file does not yet exist. Persisting it means a restarted daemon
// keeps the same origin identity other peers have already seen in
// FileEvent.OriginPeer.
func loadOrCreatePeerID(path string) ([]byte, error) {
	if raw, err := os.ReadFile(path); err == nil {
		id, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("malformed peer id file %s: %w", path, err)
		}
		return id, nil
	}

	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(id)), 0640); err != nil {
		return nil, err
	}
	return id, nil
}

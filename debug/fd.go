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

//go:build linux

// Package debug exposes the daemon's pprof endpoints over a listener
// handed to it by file descriptor, so an orchestrator (systemd socket
// activation, a supervisor process) can pre-bind the debug socket
// without syndactyld needing any listen privileges of its own.
package debug

import (
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
)

// Fd wraps file descriptor fd as a listener and serves pprof's
// default mux on it in the background. A bind failure is logged to lg
// and is not fatal: the daemon runs fine with no debug endpoint.
func Fd(fd int, lg *log.Logger) {
	f := os.NewFile(uintptr(fd), "syndactyld-debug-sock")
	l, err := net.FileListener(f)
	f.Close()
	if err != nil {
		lg.Printf("debug: unable to bind fd=%d: %s", fd, err)
		return
	}
	lg.Printf("debug: serving pprof on fd=%d", fd)
	go func() {
		defer l.Close()
		lg.Printf("debug: pprof listener exited: %s", http.Serve(l, nil))
	}()
}

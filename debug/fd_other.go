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

//go:build !linux

// Package debug exposes the daemon's pprof endpoints over a listener
// handed to it by file descriptor. Socket-activation-by-fd is a
// Linux-specific convention; platforms without it get a clear failure
// instead of a silent no-op.
package debug

import (
	"log"
)

// Fd is unsupported outside Linux.
func Fd(fd int, lg *log.Logger) {
	panic("debug.Fd: fd-based debug listener is only supported on linux")
}

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

package model

import (
	"errors"
	"path"
	"strings"
)

// ErrPathUnsafe is returned by NormalizePath and SafeJoin when a
// relative path would escape an observer's root directory.
var ErrPathUnsafe = errors.New("model: path escapes observer root")

// NormalizePath converts p into the observer-relative, forward-slash
// normalized form required by spec §3 ("path (observer-relative,
// forward-slash normalized, no ".." components)"), and rejects any
// path that would escape the observer root once cleaned.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	clean := path.Clean(p)
	if clean == "." || clean == "" {
		return "", ErrPathUnsafe
	}
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
		return "", ErrPathUnsafe
	}
	return clean, nil
}

// SafeJoin joins root and rel, returning an error if rel is unsafe
// per NormalizePath. The returned path always begins with root.
func SafeJoin(root, rel string) (string, error) {
	clean, err := NormalizePath(rel)
	if err != nil {
		return "", err
	}
	return root + "/" + clean, nil
}

// IsHidden reports whether the base name of an observer-relative path
// begins with a dot. This is a policy knob (spec §4.1: "skipped by
// default; this policy is a policy knob, not an invariant"), not an
// invariant of path safety.
func IsHidden(relPath string) bool {
	base := path.Base(relPath)
	return strings.HasPrefix(base, ".")
}

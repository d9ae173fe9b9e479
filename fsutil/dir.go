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

// Package fsutil provides a small lexicographic-order directory
// walker over an fs.FS, the one piece the directory poller
// (pkg/watcher) needs to produce a stable, comparable snapshot of an
// observer's tree on every scan.
package fsutil

import (
	"io/fs"
	"path"
	"sort"
)

// VisitDirFS can be implemented by a file system that offers an
// optimized VisitDir; WalkDir uses it instead of fs.ReadDir when
// available. A real filesystem-event source has no need for this
// (the poller always does a full fs.ReadDir), but it leaves room for
// a future index-backed fs.FS to make rescans cheaper without
// changing WalkDir's callers.
type VisitDirFS interface {
	fs.FS
	VisitDir(name string, fn VisitDirFn) error
}

// VisitDirFn is called by VisitDir once per directory entry, in
// lexicographic order.
type VisitDirFn func(d fs.DirEntry) error

// VisitDir calls fn for each entry of the directory name within f, in
// lexicographic order by entry name. If f implements VisitDirFS,
// f.VisitDir is called directly.
func VisitDir(f fs.FS, name string, fn VisitDirFn) error {
	if vf, ok := f.(VisitDirFS); ok {
		return vf.VisitDir(name, fn)
	}
	list, err := fs.ReadDir(f, name)
	if err != nil {
		return err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	for _, d := range list {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// WalkDirFn is called once per entry visited by WalkDir, including
// the root itself. Returning fs.SkipDir on a directory entry skips
// that directory's contents; any other non-nil error aborts the walk
// and is returned by WalkDir.
type WalkDirFn func(path string, d fs.DirEntry, err error) error

// WalkDir walks the file tree rooted at name within fsys, visiting
// every entry in lexicographic order, the same guarantee
// io/fs.WalkDir makes — WalkDir instead routes directory listing
// through VisitDir, so a VisitDirFS-backed fsys can serve it without
// fsutil needing to know how.
func WalkDir(fsys fs.FS, name string, fn WalkDirFn) error {
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return fn(name, nil, err)
	}
	d := fs.FileInfoToDirEntry(info)
	return walk(fsys, name, d, fn)
}

func walk(fsys fs.FS, name string, d fs.DirEntry, fn WalkDirFn) error {
	if err := fn(name, d, nil); err != nil || !d.IsDir() {
		if err == fs.SkipDir && d.IsDir() {
			err = nil
		}
		return err
	}
	err := VisitDir(fsys, name, func(child fs.DirEntry) error {
		full := child.Name()
		if name != "." {
			full = path.Join(name, child.Name())
		}
		return walk(fsys, full, child, fn)
	})
	if err == fs.SkipDir {
		err = nil
	}
	return err
}

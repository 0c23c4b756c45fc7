/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package registry

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ResolvedWatch names one directory and the filename pattern C3 should
// match within it, derived from a Target's Path + Glob (§3's "absolute
// file or directory path + optional glob").
type ResolvedWatch struct {
	Dir        string
	FileFilter string
}

// ExpandTarget turns a Target into the directories C3 should watch. A
// Target naming a plain file watches that file alone. A Target naming a
// directory with no Glob watches every file directly inside it. A Glob
// without "**" is handed straight to the single-directory matcher the
// tailer already uses. A Glob containing "**" is expanded eagerly here,
// since the tailer's own directory watch only recurses one level and has
// no cross-directory matcher of its own.
func ExpandTarget(t Target) ([]ResolvedWatch, error) {
	fi, err := os.Stat(t.Path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return []ResolvedWatch{{Dir: filepath.Dir(t.Path), FileFilter: filepath.Base(t.Path)}}, nil
	}
	if t.Glob == "" {
		return []ResolvedWatch{{Dir: t.Path, FileFilter: "*"}}, nil
	}
	if !strings.Contains(t.Glob, "**") {
		return []ResolvedWatch{{Dir: t.Path, FileFilter: t.Glob}}, nil
	}
	return expandRecursiveGlob(t.Path, t.Glob)
}

func expandRecursiveGlob(root, pattern string) ([]ResolvedWatch, error) {
	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []ResolvedWatch
	for _, m := range matches {
		dir := filepath.Join(root, filepath.Dir(m))
		if seen[dir] {
			continue
		}
		seen[dir] = true
		out = append(out, ResolvedWatch{Dir: dir, FileFilter: filepath.Base(m)})
	}
	return out, nil
}

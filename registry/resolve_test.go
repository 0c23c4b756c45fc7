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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandTargetPlainFile(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "session.log")
	require.NoError(t, os.WriteFile(f, []byte("hi"), 0640))

	rw, err := ExpandTarget(Target{Path: f})
	require.NoError(t, err)
	require.Equal(t, []ResolvedWatch{{Dir: dir, FileFilter: "session.log"}}, rw)
}

func TestExpandTargetDirectoryNoGlob(t *testing.T) {
	dir := t.TempDir()
	rw, err := ExpandTarget(Target{Path: dir})
	require.NoError(t, err)
	require.Equal(t, []ResolvedWatch{{Dir: dir, FileFilter: "*"}}, rw)
}

func TestExpandTargetDirectoryWithSimpleGlob(t *testing.T) {
	dir := t.TempDir()
	rw, err := ExpandTarget(Target{Path: dir, Glob: "*.log"})
	require.NoError(t, err)
	require.Equal(t, []ResolvedWatch{{Dir: dir, FileFilter: "*.log"}}, rw)
}

func TestExpandTargetRecursiveGlobWalksSubdirectories(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "2026-07-31")
	require.NoError(t, os.MkdirAll(sub, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.log"), []byte("hi"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "session.log"), []byte("hi"), 0640))

	rw, err := ExpandTarget(Target{Path: root, Glob: "**/*.log"})
	require.NoError(t, err)

	dirs := make(map[string]string)
	for _, r := range rw {
		dirs[r.Dir] = r.FileFilter
	}
	require.Equal(t, "top.log", dirs[root])
	require.Equal(t, "session.log", dirs[sub])
}

func TestExpandTargetMissingPath(t *testing.T) {
	_, err := ExpandTarget(Target{Path: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
}

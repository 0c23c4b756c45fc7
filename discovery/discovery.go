/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package discovery resolves the hard-coded, per-OS candidate log
// locations for each known agent kind (§4.1). It never touches the
// filesystem itself; probing candidates for existence is the registry's
// job (§4.2).
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gravwell/agentlog/record"
)

// OS enumerates the platforms the candidate table covers.
type OS string

const (
	Linux   OS = "linux"
	Darwin  OS = "darwin"
	Windows OS = "windows"
)

// candidate tables are expressed relative to the base directory passed to
// Candidates; no AppData component is inserted, so Windows entries resolve
// under the roaming profile only when that directory is the base.
var linuxTable = map[record.AgentKind][]string{
	record.ClaudeCode: {".claude/logs", ".claude/projects", ".config/claude/logs"},
	record.Cursor:     {".config/Cursor/logs", ".cursor/logs"},
	record.VSCode:     {".config/Code/logs"},
	record.Gemini:     {".config/gemini/logs", ".gemini/logs"},
}

var darwinTable = map[record.AgentKind][]string{
	record.ClaudeCode: {"Library/Logs/Claude", ".claude/logs", ".claude/projects"},
	record.Cursor:     {"Library/Application Support/Cursor/logs"},
	record.VSCode:     {"Library/Application Support/Code/logs"},
	record.Gemini:     {"Library/Application Support/gemini/logs"},
}

// windowsTable entries are relative to %APPDATA% (Roaming); the WSL mount
// translation below joins them onto each profile's AppData/Roaming only,
// and no %LOCALAPPDATA% equivalents are emitted.
var windowsTable = map[record.AgentKind][]string{
	record.ClaudeCode: {`Claude\logs`, `claude-code\logs`},
	record.Cursor:     {`Cursor\logs`},
	record.VSCode:     {`Code\logs`},
	record.Gemini:     {`gemini\logs`},
}

var mountRe = regexp.MustCompile(`^/mnt/([a-zA-Z])(/.*)?$`)

// Candidates returns the ordered list of absolute paths to probe for the
// given agent kind, per §4.1. homeDir is the resolved home directory for
// the running user; on Linux, the Windows-side candidates for every user
// profile found under /mnt/<drive>/Users are also emitted, where <drive> is
// taken from homeDir when it lives under /mnt/<drive> and is "c" otherwise.
func Candidates(kind record.AgentKind, goos OS, homeDir string) []string {
	var out []string
	switch goos {
	case Windows:
		out = joinAll(homeDir, windowsTable[kind])
	case Darwin:
		out = joinAll(homeDir, darwinTable[kind])
	case Linux:
		out = joinAll(homeDir, linuxTable[kind])
		out = append(out, wslMountCandidates(kind, homeDir)...)
	default:
		out = joinAll(homeDir, linuxTable[kind])
	}
	return out
}

func joinAll(base string, rels []string) []string {
	out := make([]string, 0, len(rels))
	for _, r := range rels {
		out = append(out, filepath.Join(base, r))
	}
	return out
}

// wslMountCandidates emits the Windows-side candidate paths under
// /mnt/<drive>/Users/<profile>/AppData/Roaming for every profile directory
// that exists beneath the detected mount — the dual-emission mandated by
// §4.1 for developer machines where agents may live on either side of the
// WSL boundary.
func wslMountCandidates(kind record.AgentKind, homeDir string) []string {
	m := mountRe.FindStringSubmatch(homeDir)
	drive := "c"
	if m != nil {
		drive = m[1]
	}
	usersDir := fmt.Sprintf("/mnt/%s/Users", drive)
	entries, err := os.ReadDir(usersDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		profile := filepath.Join(usersDir, e.Name(), "AppData", "Roaming")
		for _, rel := range windowsTable[kind] {
			out = append(out, filepath.Join(profile, rel))
		}
	}
	return out
}

// HostOS maps a Go runtime.GOOS string onto our OS enum, defaulting to
// Linux for anything unrecognized (the common case for server deployment).
func HostOS(goos string) OS {
	switch goos {
	case "windows":
		return Windows
	case "darwin":
		return Darwin
	default:
		return Linux
	}
}

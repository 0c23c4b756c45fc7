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

	"github.com/gravwell/agentlog/discovery"
	"github.com/gravwell/agentlog/record"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agents.db")
	r, err := New(dbPath, t.TempDir(), discovery.Linux, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestAddRejectsMissingTargets(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Add(Descriptor{
		ID:      "custom-1",
		Kind:    record.Custom,
		Targets: []Target{{Path: "/definitely/does/not/exist"}},
	})
	require.ErrorIs(t, err, ErrInvalidTarget)
}

func TestAddAcceptsPartialValidTargets(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	d, err := r.Add(Descriptor{
		ID:   "custom-2",
		Kind: record.Custom,
		Targets: []Target{
			{Path: "/definitely/does/not/exist"},
			{Path: dir},
		},
	})
	require.NoError(t, err)
	require.Len(t, d.Targets, 1)
	require.Equal(t, dir, d.Targets[0].Path)
}

func TestAddFiresConfigChanged(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	_, err := r.Add(Descriptor{ID: "custom-3", Kind: record.Custom, Targets: []Target{{Path: dir}}})
	require.NoError(t, err)

	select {
	case ev := <-r.Changes():
		require.Len(t, ev.Agents, 1)
		require.Equal(t, "custom-3", ev.Agents[0].ID)
	default:
		t.Fatal("expected a ConfigChanged event")
	}
}

func TestDeleteRemovesCustomAgent(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	_, err := r.Add(Descriptor{ID: "custom-4", Kind: record.Custom, Targets: []Target{{Path: dir}}})
	require.NoError(t, err)
	require.NoError(t, r.Delete("custom-4"))
	require.ErrorIs(t, r.Delete("custom-4"), ErrNotFound)
}

func TestCustomAgentsSurviveRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "agents.db")
	dir := t.TempDir()

	r1, err := New(dbPath, t.TempDir(), discovery.Linux, nil)
	require.NoError(t, err)
	_, err = r1.Add(Descriptor{ID: "persisted", Kind: record.Custom, Targets: []Target{{Path: dir}}})
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	r2, err := New(dbPath, t.TempDir(), discovery.Linux, nil)
	require.NoError(t, err)
	defer r2.Close()

	found := false
	for _, d := range r2.List() {
		if d.ID == "persisted" {
			found = true
		}
	}
	require.True(t, found)
}

func TestRefreshDoesNotDropCustomAgents(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	_, err := r.Add(Descriptor{ID: "custom-5", Kind: record.Custom, Targets: []Target{{Path: dir}}})
	require.NoError(t, err)

	r.Refresh()

	found := false
	for _, d := range r.List() {
		if d.ID == "custom-5" {
			found = true
		}
	}
	require.True(t, found)
}

func TestTransitionStateMachine(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	d, err := r.Add(Descriptor{ID: "custom-6", Kind: record.Custom, Targets: []Target{{Path: dir}}})
	require.NoError(t, err)
	require.Equal(t, Probing, d.State)

	r.Transition("custom-6", true, false)
	require.Equal(t, Active, r.agents["custom-6"].State)

	for i := 0; i < 3; i++ {
		r.Transition("custom-6", false, false)
	}
	require.Equal(t, Degraded, r.agents["custom-6"].State)

	r.Transition("custom-6", false, true)
	require.Equal(t, Inactive, r.agents["custom-6"].State)
}

func TestTargetExists(t *testing.T) {
	require.True(t, defaultProbe([]Target{{Path: os.TempDir()}}))
	require.False(t, defaultProbe([]Target{{Path: "/no/such/path"}}))
}

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package registry implements the agent registry (§4.2): it merges
// auto-discovered agents with persisted custom agents, exposes the active
// set, and drives each agent's probing/active/degraded/inactive state
// machine. Custom-agent persistence follows the same embedded-KV-store
// pattern the ingest cache uses for its hot-block index, swapped onto the
// maintained go.etcd.io/bbolt fork.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gravwell/agentlog/discovery"
	"github.com/gravwell/agentlog/ingest/log"
	"github.com/gravwell/agentlog/record"
)

var (
	ErrInvalidTarget = errors.New("no valid targets for agent")
	ErrNotFound      = errors.New("agent not found")
	ErrDuplicateID   = errors.New("agent id already exists")
)

const (
	bucketName    = "agents"
	schemaKey     = "__schema__"
	schemaVer     = 1
	dbOpenMode    = 0640
	dbOpenTimeout = time.Second
)

// State is the per-agent lifecycle state named in §4.2.
type State string

const (
	Probing  State = "probing"
	Active   State = "active"
	Degraded State = "degraded"
	Inactive State = "inactive"
)

// Target is a single log location an agent is watched at.
type Target struct {
	Path string `json:"path"`
	Glob string `json:"glob,omitempty"`
}

// Descriptor is the canonical agent record (§3's "Agent descriptor").
type Descriptor struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Kind     record.AgentKind  `json:"kind"`
	Targets  []Target          `json:"targets"`
	Format   string            `json:"format"` // json-lines | text | mixed
	Enabled  bool              `json:"enabled"`
	Filters  []record.Severity `json:"filters,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Custom   bool              `json:"custom"`

	State           State     `json:"-"`
	LastStateChange time.Time `json:"-"`
	consecutiveErrs int
}

func (d Descriptor) validate() error {
	if d.ID == `` {
		return errors.New("agent id must not be empty")
	}
	if len(d.Targets) == 0 {
		return ErrInvalidTarget
	}
	switch d.Kind {
	case record.ClaudeCode, record.Cursor, record.VSCode, record.Gemini, record.Custom:
	default:
		return fmt.Errorf("unknown agent kind %q", d.Kind)
	}
	return nil
}

// ConfigChanged is posted to subscribers whenever the custom-agent set
// changes, so the tailer can reconcile its active watch set (§9: "C2 does
// not call C3; it publishes ConfigChanged").
type ConfigChanged struct {
	Agents []Descriptor
}

type diskSchema struct {
	Version int          `json:"version"`
	Agents  []Descriptor `json:"agents"`
}

// Registry merges auto-discovered agents against persisted custom ones and
// exposes the active set. Writes are serialized by mu, which each calling
// goroutine takes for itself; there is no single owner goroutine for the
// configuration file.
type Registry struct {
	mu       sync.RWMutex
	db       *bbolt.DB
	agents   map[string]*Descriptor
	homeDir  string
	goos     discovery.OS
	probeFn  func(targets []Target) bool
	changeCh chan ConfigChanged
	lg       *log.Logger
}

// New opens (or creates) the bbolt-backed custom agent store at dbPath and
// returns a Registry ready for Refresh.
func New(dbPath string, homeDir string, goos discovery.OS, lg *log.Logger) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(dbPath, dbOpenMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	r := &Registry{
		db:       db,
		agents:   make(map[string]*Descriptor),
		homeDir:  homeDir,
		goos:     goos,
		probeFn:  defaultProbe,
		changeCh: make(chan ConfigChanged, 4),
		lg:       lg,
	}
	custom, err := r.loadCustom()
	if err != nil {
		db.Close()
		return nil, err
	}
	for i := range custom {
		d := custom[i]
		d.State = Probing
		r.agents[d.ID] = &d
	}
	return r, nil
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Changes exposes the ConfigChanged event stream described in §9.
func (r *Registry) Changes() <-chan ConfigChanged {
	return r.changeCh
}

// List returns the union of auto-discovered and persisted custom agents
// (§4.2 list()).
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, *d)
	}
	return out
}

// Refresh re-runs discovery without disturbing custom agents (§4.2
// refresh()).
func (r *Registry) Refresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range []record.AgentKind{record.ClaudeCode, record.Cursor, record.VSCode, record.Gemini} {
		for _, path := range discovery.Candidates(kind, r.goos, r.homeDir) {
			if !r.probeFn([]Target{{Path: path}}) {
				continue
			}
			id := autoID(kind, path)
			if _, exists := r.agents[id]; exists {
				continue
			}
			r.agents[id] = &Descriptor{
				ID:      id,
				Name:    fmt.Sprintf("%s (%s)", kind, path),
				Kind:    kind,
				Targets: []Target{{Path: path}},
				Format:  "mixed",
				Enabled: true,
				State:   Probing,
			}
		}
	}
	r.notifyLocked()
}

func autoID(kind record.AgentKind, path string) string {
	return fmt.Sprintf("auto:%s:%x", kind, hashPath(path))
}

func hashPath(path string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(path); i++ {
		h ^= uint32(path[i])
		h *= 16777619
	}
	return h
}

func defaultProbe(targets []Target) bool {
	for _, t := range targets {
		if _, err := os.Stat(t.Path); err == nil {
			return true
		}
	}
	return false
}

// Add validates and persists a custom agent, then fires ConfigChanged
// (§4.2 add()). Targets that don't exist are dropped; if none remain, it
// returns ErrInvalidTarget and nothing is persisted.
func (r *Registry) Add(d Descriptor) (Descriptor, error) {
	d.Custom = true
	d.Enabled = true
	d.State = Probing
	d.LastStateChange = time.Now()

	var kept []Target
	for _, t := range d.Targets {
		if _, err := os.Stat(t.Path); err == nil {
			kept = append(kept, t)
		}
	}
	d.Targets = kept
	if err := d.validate(); err != nil {
		return Descriptor{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[d.ID]; exists {
		return Descriptor{}, ErrDuplicateID
	}
	r.agents[d.ID] = &d
	if err := r.persistLocked(); err != nil {
		delete(r.agents, d.ID)
		return Descriptor{}, err
	}
	r.notifyLocked()
	return d, nil
}

// Update replaces an existing custom agent's definition.
func (r *Registry) Update(d Descriptor) (Descriptor, error) {
	if err := d.validate(); err != nil {
		return Descriptor{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.agents[d.ID]
	if !ok || !existing.Custom {
		return Descriptor{}, ErrNotFound
	}
	d.Custom = true
	d.State = existing.State
	d.LastStateChange = existing.LastStateChange
	r.agents[d.ID] = &d
	if err := r.persistLocked(); err != nil {
		return Descriptor{}, err
	}
	r.notifyLocked()
	return d, nil
}

// Delete removes a custom agent by id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.agents[id]
	if !ok || !existing.Custom {
		return ErrNotFound
	}
	delete(r.agents, id)
	if err := r.persistLocked(); err != nil {
		return err
	}
	r.notifyLocked()
	return nil
}

func (r *Registry) notifyLocked() {
	var custom []Descriptor
	for _, d := range r.agents {
		custom = append(custom, *d)
	}
	select {
	case r.changeCh <- ConfigChanged{Agents: custom}:
	default:
		// channel is a shallow event bus; a slow consumer just misses an
		// intermediate revision and catches up on the next change.
	}
}

func (r *Registry) persistLocked() error {
	var custom []Descriptor
	for _, d := range r.agents {
		if d.Custom {
			custom = append(custom, *d)
		}
	}
	bts, err := json.Marshal(diskSchema{Version: schemaVer, Agents: custom})
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put([]byte(schemaKey), bts)
	})
}

func (r *Registry) loadCustom() ([]Descriptor, error) {
	var schema diskSchema
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		v := b.Get([]byte(schemaKey))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &schema)
	})
	if err != nil {
		return nil, err
	}
	return schema.Agents, nil
}

// Transition applies one state-machine step to agent id: pathGone moves it
// to inactive at once; ok resets the error count and moves it to active
// from any state, inactive included; otherwise the error count grows and 3
// consecutive errors move it to degraded. There is no grace period before
// inactive, and no step leads back to probing.
func (r *Registry) Transition(id string, ok bool, pathGone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, exists := r.agents[id]
	if !exists {
		return
	}
	switch {
	case pathGone:
		if r.lg != nil {
			r.lg.Info("agent target disappeared", log.KV("agent", id))
		}
		d.State = Inactive
	case ok:
		d.consecutiveErrs = 0
		if d.State != Active {
			d.State = Active
		}
	default:
		d.consecutiveErrs++
		if d.consecutiveErrs >= 3 {
			d.State = Degraded
		}
	}
	d.LastStateChange = time.Now()
}

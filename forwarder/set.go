/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package forwarder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gravwell/agentlog/ingest/log"
	"github.com/gravwell/agentlog/record"
)

const (
	bucketName    = "forwarders"
	schemaKey     = "__schema__"
	schemaVer     = 1
	dbOpenMode    = 0640
	dbOpenTimeout = time.Second
)

type diskSchema struct {
	Version    int          `json:"version"`
	Forwarders []Descriptor `json:"forwarders"`
}

// Set owns the lifecycle of every configured forwarder (§4.9: "owns a map
// id -> live forwarder"). Persistence follows the same bbolt-bucket
// pattern as the agent registry.
type Set struct {
	mu         sync.RWMutex
	db         *bbolt.DB
	forwarders map[string]*Forwarder
	lg         *log.Logger
}

// New opens (or creates) the bbolt-backed forwarder store at dbPath and
// restarts every persistent forwarder found there.
func New(dbPath string, lg *log.Logger) (*Set, error) {
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
	s := &Set{db: db, forwarders: make(map[string]*Forwarder), lg: lg}
	descs, err := s.loadPersisted()
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, d := range descs {
		s.forwarders[d.ID] = newForwarder(d, lg)
	}
	return s, nil
}

// Close stops every forwarder's worker goroutine and releases the store.
func (s *Set) Close() error {
	s.mu.Lock()
	forwarders := make([]*Forwarder, 0, len(s.forwarders))
	for _, f := range s.forwarders {
		forwarders = append(forwarders, f)
	}
	s.mu.Unlock()
	for _, f := range forwarders {
		f.stop()
	}
	return s.db.Close()
}

// Dispatch hands rec to every forwarder whose filter matches, implementing
// C6's "hand record to C9" fan-out leg. Each forwarder enqueues
// independently, so one forwarder falling behind never blocks another.
func (s *Set) Dispatch(rec record.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.forwarders {
		f.Dispatch(rec)
	}
}

// List returns every configured forwarder's descriptor.
func (s *Set) List() []Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Descriptor, 0, len(s.forwarders))
	for _, f := range s.forwarders {
		out = append(out, f.descriptor())
	}
	return out
}

// Add validates, starts, and (if Persistent) persists a new forwarder.
func (s *Set) Add(d Descriptor) (Descriptor, error) {
	if err := d.validate(); err != nil {
		return Descriptor{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.forwarders[d.ID]; exists {
		return Descriptor{}, ErrDuplicateID
	}
	f := newForwarder(d, s.lg)
	s.forwarders[d.ID] = f
	if d.Persistent {
		if err := s.persistLocked(); err != nil {
			f.stop()
			delete(s.forwarders, d.ID)
			return Descriptor{}, err
		}
	}
	return d, nil
}

// Update replaces an existing forwarder's descriptor in place; its worker
// goroutine and queue are left running, so in-flight records aren't lost.
func (s *Set) Update(d Descriptor) (Descriptor, error) {
	if err := d.validate(); err != nil {
		return Descriptor{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forwarders[d.ID]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	f.closeConn() // force a reconnect so host/port/protocol changes take effect
	f.setDescriptor(d)
	if d.Persistent {
		if err := s.persistLocked(); err != nil {
			return Descriptor{}, err
		}
	}
	return d, nil
}

// Delete stops and removes a forwarder.
func (s *Set) Delete(id string) error {
	s.mu.Lock()
	f, ok := s.forwarders[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.forwarders, id)
	err := s.persistLocked()
	s.mu.Unlock()
	f.stop()
	return err
}

// Drops sums forwarder_drop_total across every configured forwarder, for
// the health endpoint.
func (s *Set) Drops() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, f := range s.forwarders {
		total += f.DropTotal()
	}
	return total
}

// TestConnection performs a single synthetic write without touching any
// forwarder's persisted state (§4.9's test_connection).
func TestConnection(d Descriptor) error {
	rec := record.Record{
		Timestamp:  time.Now().UTC(),
		Severity:   record.Info,
		Message:    "agentlog forwarder connection test",
		SourceID:   "test-connection",
		IngestedAt: time.Now().UTC(),
	}
	return testConnection(d, rec)
}

func (s *Set) persistLocked() error {
	var descs []Descriptor
	for _, f := range s.forwarders {
		d := f.descriptor()
		if d.Persistent {
			descs = append(descs, d)
		}
	}
	bts, err := json.Marshal(diskSchema{Version: schemaVer, Forwarders: descs})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put([]byte(schemaKey), bts)
	})
}

func (s *Set) loadPersisted() ([]Descriptor, error) {
	var schema diskSchema
	err := s.db.View(func(tx *bbolt.Tx) error {
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
	return schema.Forwarders, nil
}

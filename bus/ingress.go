/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package bus

import (
	"context"
	"encoding/gob"
	"sync"

	"github.com/gravwell/agentlog/record"
)

func init() {
	gob.Register(record.Record{})
}

// Ingress is the §4.5 ingress bus: one named ChanCacher per source feeding
// a single fairly-merged downstream channel. Each source queue is bounded
// at perSourceDepth; the merged channel is bounded at mergedDepth, which is
// meant to be much smaller than the sum of the source queues since it is
// only ever as deep as the fan-out coordinator's own processing lag.
type Ingress struct {
	mu          sync.RWMutex
	perSource   int
	cacheDir    string
	sources     map[string]*ChanCacher
	merged      chan record.Record
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewIngress builds an empty ingress bus. cacheDir, if non-empty, is used
// as the parent for each source's on-disk WAL directory (one subdirectory
// per source id) so that a shutdown-drain residue can be replayed on the
// next start (§5).
func NewIngress(perSourceDepth, mergedDepth int, cacheDir string) *Ingress {
	return &Ingress{
		perSource: perSourceDepth,
		cacheDir:  cacheDir,
		sources:   make(map[string]*ChanCacher),
		merged:    make(chan record.Record, mergedDepth),
		done:      make(chan struct{}),
	}
}

// Merged returns the fairly-interleaved downstream channel C6 and C7 read
// from.
func (ig *Ingress) Merged() <-chan record.Record {
	return ig.merged
}

// Producer is handed to each per-source tailer handler so it never sees
// the bus's internal bookkeeping, only a place to push records and block
// on backpressure.
type Producer interface {
	ProcessContext(rec record.Record, ctx context.Context) error
}

type sourceProducer struct {
	cc *ChanCacher
}

func (sp *sourceProducer) ProcessContext(rec record.Record, ctx context.Context) error {
	select {
	case sp.cc.In <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Source returns (creating if necessary) the bounded producer for a given
// source id and starts pumping its output into the fair merge loop.
func (ig *Ingress) Source(sourceID string) Producer {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	cc, ok := ig.sources[sourceID]
	if !ok {
		var path string
		if ig.cacheDir != `` {
			path = ig.cacheDir + "/" + sourceID
		}
		var err error
		cc, err = NewChanCacher(ig.perSource, path, 0)
		if err != nil {
			// a WAL directory that can't be created degrades to an
			// in-memory, non-persistent queue of the same depth rather
			// than losing the source outright.
			cc, _ = NewChanCacher(ig.perSource, "", 0)
		}
		ig.sources[sourceID] = cc
		ig.wg.Add(1)
		go ig.pump(sourceID, cc)
	}
	return &sourceProducer{cc: cc}
}

// pump drains one source's Out channel into the shared merged channel.
// Fairness across many sources comes from each pump being its own
// goroutine racing on the single shared send; no single source can starve
// another because Go's channel send selection among blocked goroutines is
// not FIFO-biased toward any one sender.
func (ig *Ingress) pump(sourceID string, cc *ChanCacher) {
	defer ig.wg.Done()
	for {
		select {
		case v, ok := <-cc.Out:
			if !ok {
				return
			}
			rec, ok := v.(record.Record)
			if !ok {
				continue
			}
			select {
			case ig.merged <- rec:
			case <-ig.done:
				return
			}
		case <-ig.done:
			return
		}
	}
}

// Shutdown closes every source's input, waits (up to the caller's
// discretion) for in-flight lines to drain through the merge, then closes
// the merged channel. Records still sitting in a source's disk cache when
// Shutdown returns remain in the WAL for replay on next start.
func (ig *Ingress) Shutdown() {
	ig.mu.Lock()
	srcs := make([]*ChanCacher, 0, len(ig.sources))
	for _, cc := range ig.sources {
		srcs = append(srcs, cc)
	}
	ig.mu.Unlock()

	for _, cc := range srcs {
		close(cc.In)
	}
	close(ig.done)
	ig.wg.Wait()
	close(ig.merged)
}

// Drain commits every source's in-flight disk cache so that on an orderly
// shutdown deadline, whatever hasn't reached the merged channel yet is
// safely parked on disk rather than lost (§5's on-disk WAL).
func (ig *Ingress) Drain() {
	ig.mu.RLock()
	defer ig.mu.RUnlock()
	for _, cc := range ig.sources {
		cc.Commit()
	}
}

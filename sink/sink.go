/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sink implements the fan-out coordinator (§4.6): every record
// pulled off the merged ingress channel is pushed into the recent cache,
// published to the pub/sub channel, handed to matching syslog forwarders,
// and batched for the columnar store and search index. Batch retry and
// drop-counting follows the doubling backoff already used for indexer
// reconnects.
package sink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gravwell/agentlog/ingest/log"
	"github.com/gravwell/agentlog/record"
)

const (
	defaultBatchMax       = 500
	defaultBatchWindow    = 2 * time.Second
	defaultMaxRetries     = 5
	defaultBaseDelay      = 250 * time.Millisecond
	defaultMaxDelay       = 30 * time.Second
	defaultMaxConsecutive = 20 // consecutive full-retry exhaustions before a sink is considered wedged
)

// BatchSink is the bulk-write contract both the columnar store and the
// search index implement; retry/backoff/drop-counting is identical for
// both so one coordinator path drives both.
type BatchSink interface {
	WriteBatch(batch []record.Record) error
}

// Publisher is the pub/sub sink (§4.6's "logs:stream:<source_id>"
// channel): fire-and-forget, no retry.
type Publisher interface {
	Publish(rec record.Record)
	Close() error
}

// ForwarderDispatcher hands a record to whichever syslog forwarders (C9)
// have a matching enabled filter.
type ForwarderDispatcher interface {
	Dispatch(rec record.Record)
}

// NopForwarderDispatcher is used when no forwarder set is configured.
type NopForwarderDispatcher struct{}

func (NopForwarderDispatcher) Dispatch(record.Record) {}

// Config wires the five sinks named in §4.6. Columnar, Search and PubSub
// are all optional; a nil sink is simply skipped.
type Config struct {
	BatchMax    int
	BatchWindow time.Duration
	Columnar    BatchSink
	Search      BatchSink
	PubSub      Publisher
	Forwarders  ForwarderDispatcher
	Logger      *log.Logger
}

// Coordinator is the single consumer of the merged ingress channel
// described in §3's Lifecycle: "consumed exactly once by C6".
type Coordinator struct {
	cfg   Config
	cache *RecentCache

	columnarCh chan []record.Record
	searchCh   chan []record.Record

	dropColumnar uint64
	dropSearch   uint64

	closeOnce sync.Once
	group     *errgroup.Group
}

// NewCoordinator builds a Coordinator and starts one batch-writer goroutine
// per configured bulk sink, tracked by an errgroup.Group rather than a bare
// sync.WaitGroup so Close can surface which sink (if any) gave up after
// defaultMaxConsecutive back-to-back retry exhaustions instead of silently
// running the other sink forever against a wedged one.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = defaultBatchMax
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaultBatchWindow
	}
	if cfg.Forwarders == nil {
		cfg.Forwarders = NopForwarderDispatcher{}
	}
	var g errgroup.Group
	c := &Coordinator{
		cfg:        cfg,
		cache:      NewRecentCache(),
		columnarCh: make(chan []record.Record, 4),
		searchCh:   make(chan []record.Record, 4),
		group:      &g,
	}
	if cfg.Columnar != nil {
		g.Go(func() error { return c.runBatchSink("columnar", cfg.Columnar, c.columnarCh, &c.dropColumnar) })
	}
	if cfg.Search != nil {
		g.Go(func() error { return c.runBatchSink("search-index", cfg.Search, c.searchCh, &c.dropSearch) })
	}
	return c
}

// Run consumes in until it closes or ctx is cancelled, batching up to
// BatchMax records or BatchWindow, whichever comes first, per sink.
// Records are appended to the batch in arrival order, which preserves
// per-source FIFO order since each source's pump already drains FIFO
// (§4.6's ordering rule); cross-source order is not preserved.
func (c *Coordinator) Run(ctx context.Context, in <-chan record.Record) {
	ticker := time.NewTicker(c.cfg.BatchWindow)
	defer ticker.Stop()

	batch := make([]record.Record, 0, c.cfg.BatchMax)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		cp := make([]record.Record, len(batch))
		copy(cp, batch)
		batch = batch[:0]
		if c.cfg.Columnar != nil {
			c.columnarCh <- cp
		}
		if c.cfg.Search != nil {
			c.searchCh <- cp
		}
	}

	for {
		select {
		case rec, ok := <-in:
			if !ok {
				flush()
				c.Close()
				return
			}
			c.cache.Push(rec)
			if c.cfg.PubSub != nil {
				c.cfg.PubSub.Publish(rec)
			}
			c.cfg.Forwarders.Dispatch(rec)
			batch = append(batch, rec)
			if len(batch) >= c.cfg.BatchMax {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			c.Close()
			return
		}
	}
}

// Recent returns the bounded, TTL-expiring recent-log ring for a source.
func (c *Coordinator) Recent(sourceID string) []record.Record {
	return c.cache.Recent(sourceID)
}

// RecentAll returns every unexpired cached record across every source, for
// the no-source-filter case of GET /api/logs.
func (c *Coordinator) RecentAll() []record.Record {
	return c.cache.All()
}

// Drops reports the sink_drop_total counters for the columnar store and
// search index, surfaced on the health endpoint.
func (c *Coordinator) Drops() (columnar, search uint64) {
	return atomic.LoadUint64(&c.dropColumnar), atomic.LoadUint64(&c.dropSearch)
}

// Close stops the batch-writer goroutines and the pub/sub publisher. Safe
// to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.columnarCh)
		close(c.searchCh)
		if err := c.group.Wait(); err != nil && c.cfg.Logger != nil {
			c.cfg.Logger.Error("sink writer exited early", log.KVErr(err))
		}
		if c.cfg.PubSub != nil {
			c.cfg.PubSub.Close()
		}
	})
}

// runBatchSink drains ch until it closes, retrying each batch with
// writeWithRetry. It returns an error (rather than running forever) once a
// sink has failed every retry on defaultMaxConsecutive batches in a row, so
// the errgroup managing it can report a wedged sink instead of the other
// sink's goroutine quietly carrying the whole pipeline alone.
func (c *Coordinator) runBatchSink(name string, w BatchSink, ch chan []record.Record, drops *uint64) error {
	var consecutive int
	for batch := range ch {
		if c.writeWithRetry(name, w, batch, drops) {
			consecutive = 0
			continue
		}
		consecutive++
		if consecutive >= defaultMaxConsecutive {
			if c.cfg.Logger != nil {
				c.cfg.Logger.Error("sink abandoned after repeated batch failures",
					log.KV("sink", name), log.KV("consecutive", consecutive))
			}
			return fmt.Errorf("sink %s: %d consecutive batch failures", name, consecutive)
		}
	}
	return nil
}

// writeWithRetry retries a failed bulk write with doubling backoff capped
// at defaultMaxDelay; after defaultMaxRetries retries (defaultMaxRetries+1
// failed attempts in all) it drops the batch,
// increments the sink's drop counter, and reports false rather than stall
// the pipeline.
func (c *Coordinator) writeWithRetry(name string, w BatchSink, batch []record.Record, drops *uint64) bool {
	var delay time.Duration
	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		err := w.WriteBatch(batch)
		if err == nil {
			return true
		}
		if attempt == defaultMaxRetries {
			atomic.AddUint64(drops, 1)
			if c.cfg.Logger != nil {
				c.cfg.Logger.Error("dropping batch after repeated failures",
					log.KV("sink", name), log.KV("size", len(batch)), log.KVErr(err))
			}
			return false
		}
		delay = backoff(delay, defaultMaxDelay)
		time.Sleep(delay)
	}
	return false
}

func backoff(curr, max time.Duration) time.Duration {
	if curr <= 0 {
		return defaultBaseDelay
	}
	if curr = curr * 2; curr > max {
		curr = max
	}
	return curr
}

/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tailer

import (
	"fmt"
	"sync"
	"time"

	"github.com/gravwell/agentlog/ingest/log"
	"github.com/gravwell/agentlog/record"
)

const (
	// lagGapThreshold is the real-time gap between a line's own timestamp
	// and the moment it was actually read that starts the lag clock (the
	// "R lines/sec behind real-time" condition of §4.3, expressed as a
	// latency rather than a throughput since that's what a single line
	// carries).
	lagGapThreshold = 2 * time.Second

	// lagSustainDuration is D from §4.3: the gap must stay above
	// lagGapThreshold for this long before a source is considered lagging
	// and coalescing begins.
	lagSustainDuration = 5 * time.Second
)

// lagTracker holds the per-file backpressure state backing one source's
// §4.3 exception: once a file is judged to be lagging, runs of identical
// consecutive messages are collapsed into a single record carrying a count
// suffix instead of being forwarded one at a time.
type lagTracker struct {
	behindSince time.Time
	lagging     bool
	pending     *record.Record
	dupCount    int
}

// lagCoalescer tracks lag state per file path for one LogHandler. A single
// LogHandler can back multiple followers (one per file matching a glob), so
// state is keyed by path and guarded by a mutex.
type lagCoalescer struct {
	mu       sync.Mutex
	trackers map[string]*lagTracker
}

func newLagCoalescer() *lagCoalescer {
	return &lagCoalescer{trackers: map[string]*lagTracker{}}
}

func (c *lagCoalescer) tracker(filePath string) *lagTracker {
	t, ok := c.trackers[filePath]
	if !ok {
		t = &lagTracker{}
		c.trackers[filePath] = t
	}
	return t
}

// observeLag decides what should actually reach the sink for rec given gap,
// the amount of real time rec's own line fell behind by. It returns zero
// records (the line was swallowed into a run), one (rec passes through
// unchanged), or two (a flushed coalesced summary of the prior run followed
// by rec).
func (lh *LogHandler) observeLag(filePath string, gap time.Duration, rec record.Record) []record.Record {
	lh.lag.mu.Lock()
	defer lh.lag.mu.Unlock()
	t := lh.lag.tracker(filePath)

	now := time.Now()
	wasLagging := t.lagging
	if gap <= lagGapThreshold {
		t.behindSince = time.Time{}
		t.lagging = false
	} else {
		if t.behindSince.IsZero() {
			t.behindSince = now
		} else if now.Sub(t.behindSince) >= lagSustainDuration {
			t.lagging = true
		}
	}

	if wasLagging && !t.lagging {
		out := flushTracker(t)
		return append(out, rec)
	}

	if !t.lagging {
		return []record.Record{rec}
	}

	if !wasLagging {
		lh.Logger.Warn("source falling behind real time, coalescing identical lines",
			log.KV("path", filePath), log.KV("gap", gap.String()))
	}

	if t.pending != nil && t.pending.Message == rec.Message {
		t.dupCount++
		return nil
	}

	var out []record.Record
	if t.pending != nil && t.dupCount > 0 {
		out = append(out, coalescedSummary(*t.pending, t.dupCount))
	}
	cp := rec
	t.pending = &cp
	t.dupCount = 0
	return append(out, rec)
}

// flushTracker emits whatever run was pending when a source caught back up
// to real time, and must be called with the coalescer's lock held.
func flushTracker(t *lagTracker) []record.Record {
	var out []record.Record
	if t.pending != nil && t.dupCount > 0 {
		out = append(out, coalescedSummary(*t.pending, t.dupCount))
	}
	t.pending = nil
	t.dupCount = 0
	return out
}

// coalescedSummary builds the single record standing in for a run of
// dupCount additional identical lines collapsed behind base.
func coalescedSummary(base record.Record, dupCount int) record.Record {
	base.Message = fmt.Sprintf("%s (repeated %d more time(s))", base.Message, dupCount)
	base.ID = fmt.Sprintf("%s:coalesced:%d", base.ID, dupCount)
	base.Timestamp = time.Now().UTC()
	return base
}

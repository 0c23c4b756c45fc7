/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package analytics implements the rolling-counter / health-score engine
// (§4.7). It is an independent fan-out branch off the merged ingress
// channel: a single goroutine owns all mutable state, and publishes an
// immutable Snapshot on an atomic.Value every SnapshotInterval rather
// than behind a metrics framework.
package analytics

import (
	"container/list"
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gravwell/agentlog/ingest/log"
	"github.com/gravwell/agentlog/record"
)

const (
	DefaultSnapshotInterval = 5 * time.Second
	DefaultPatternCapacity  = 1000
	DefaultTopK             = 10
	DefaultVolumeBaseline   = 100.0

	healthTau           = time.Hour
	inactivityThreshold = 15 * time.Minute
	ewmaHalfLifeMinutes  = 1.0
)

// Status is the per-agent health classification named in §4.7.
type Status string

const (
	Healthy  Status = "healthy"
	Warning  Status = "warning"
	Critical Status = "critical"
	Inactive Status = "inactive"
)

// AgentHealth is one per-agent health record inside a Snapshot.
type AgentHealth struct {
	SourceID      string    `json:"source_id"`
	LastSeen      time.Time `json:"last_seen"`
	Volume24h     uint64    `json:"volume_24h"`
	ErrorCount24h uint64    `json:"error_count_24h"`
	LogsPerMinute float64   `json:"logs_per_minute"`
	Composite     int       `json:"composite"`
	Status        Status    `json:"status"`
}

// PatternRecord is one top-K entry: a normalized message template and its
// observed frequency.
type PatternRecord struct {
	Template      string          `json:"template"`
	Count         uint64          `json:"count"`
	Percentage    float64         `json:"percentage"`
	SeverityClass record.Severity `json:"severity_class"`
	LastSeen      time.Time       `json:"last_seen"`
}

// Snapshot is an immutable value published periodically; it is never
// mutated after construction (§3's Analytics snapshot invariant).
type Snapshot struct {
	GeneratedAt    time.Time                  `json:"generated_at"`
	TotalLogs      uint64                     `json:"total_logs"`
	SeverityCounts map[record.Severity]uint64 `json:"severity_counts"`
	AgentCounts    map[string]uint64          `json:"agent_counts"`
	HourCounts     [24]uint64                 `json:"hour_counts"`
	ErrorRate24h   float64                    `json:"error_rate_24h"`
	LogsPerMinute  float64                    `json:"logs_per_minute"`
	Agents         map[string]AgentHealth     `json:"agents"`
	TopPatterns    []PatternRecord            `json:"top_patterns"`
}

// hourBucket is one slot of a 24-entry hour-of-day ring: it tracks the
// absolute hour it was last written for, so a read can tell a stale slot
// (over a day old) from a live one without a background sweep.
type hourBucket struct {
	hourKey int64
	count   uint64
}

func (b *hourBucket) add(now time.Time) {
	key := now.Truncate(time.Hour).Unix()
	if b.hourKey != key {
		b.hourKey = key
		b.count = 0
	}
	b.count++
}

// hourRing is the §4.7 "24-entry hour ring keyed by UTC hour-of-day,
// rolling forward on wall clock": index = hour-of-day, each slot self-resets
// the first time it's touched on a new day.
type hourRing struct {
	slots [24]hourBucket
}

func (r *hourRing) add(now time.Time) {
	r.slots[now.Hour()].add(now)
}

func (r *hourRing) sum(now time.Time) uint64 {
	cutoff := now.Add(-24 * time.Hour).Truncate(time.Hour).Unix()
	var total uint64
	for i := range r.slots {
		if r.slots[i].hourKey >= cutoff {
			total += r.slots[i].count
		}
	}
	return total
}

func (r *hourRing) counts(now time.Time) [24]uint64 {
	cutoff := now.Add(-24 * time.Hour).Truncate(time.Hour).Unix()
	var out [24]uint64
	for i := range r.slots {
		if r.slots[i].hourKey >= cutoff {
			out[i] = r.slots[i].count
		}
	}
	return out
}

func updateEWMA(prevEWMA float64, lastEvent, now time.Time) float64 {
	if lastEvent.IsZero() {
		return 1
	}
	dtMin := now.Sub(lastEvent).Minutes()
	if dtMin < 0 {
		dtMin = 0
	}
	decay := math.Exp(-dtMin / ewmaHalfLifeMinutes)
	instant := prevEWMA
	if dtMin > 0 {
		instant = 1.0 / dtMin
	}
	return decay*prevEWMA + (1-decay)*instant
}

type agentState struct {
	lastSeen      time.Time
	lastEventTime time.Time
	ewmaPerMin    float64
	volumeRing    hourRing
	errRing       hourRing
}

type patternEntry struct {
	template      string
	count         uint64
	lastSeen      time.Time
	severityClass record.Severity
}

// Config tunes the engine; zero values fall back to the documented
// defaults.
type Config struct {
	SnapshotInterval time.Duration
	PatternCapacity  int
	TopK             int
	VolumeBaseline   float64
	Logger           *log.Logger
}

// Engine is the single-writer analytics state machine. All fields except
// snap are only ever touched from the Run goroutine.
type Engine struct {
	interval  time.Duration
	maxPatterns int
	topK      int
	baseline  float64
	lg        *log.Logger

	total          uint64
	severityCounts map[record.Severity]uint64
	agentCounts    map[string]uint64
	totalRing      hourRing
	errRing        hourRing
	globalEWMA     float64
	lastGlobalSeen time.Time

	agents      map[string]*agentState
	patternList *list.List
	patternIdx  map[string]*list.Element

	snap atomic.Value
}

// NewEngine constructs an Engine ready for Run.
func NewEngine(cfg Config) *Engine {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.PatternCapacity <= 0 {
		cfg.PatternCapacity = DefaultPatternCapacity
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.VolumeBaseline <= 0 {
		cfg.VolumeBaseline = DefaultVolumeBaseline
	}
	e := &Engine{
		interval:       cfg.SnapshotInterval,
		maxPatterns:    cfg.PatternCapacity,
		topK:           cfg.TopK,
		baseline:       cfg.VolumeBaseline,
		lg:             cfg.Logger,
		severityCounts: make(map[record.Severity]uint64),
		agentCounts:    make(map[string]uint64),
		agents:         make(map[string]*agentState),
		patternList:    list.New(),
		patternIdx:     make(map[string]*list.Element),
	}
	e.publish(time.Now().UTC())
	return e
}

// Run consumes in until it closes or ctx is cancelled, publishing a
// snapshot every SnapshotInterval in addition to on exit.
func (e *Engine) Run(ctx context.Context, in <-chan record.Record) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case rec, ok := <-in:
			if !ok {
				e.publish(time.Now().UTC())
				return
			}
			e.consume(rec)
		case now := <-ticker.C:
			e.publish(now.UTC())
		case <-ctx.Done():
			e.publish(time.Now().UTC())
			return
		}
	}
}

func (e *Engine) consume(rec record.Record) {
	now := rec.IngestedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	isErr := rec.Severity == record.Error || rec.Severity == record.Fatal

	e.total++
	e.severityCounts[rec.Severity]++
	e.agentCounts[rec.SourceID]++
	e.totalRing.add(now)
	if isErr {
		e.errRing.add(now)
	}
	e.globalEWMA = updateEWMA(e.globalEWMA, e.lastGlobalSeen, now)
	e.lastGlobalSeen = now

	a, ok := e.agents[rec.SourceID]
	if !ok {
		a = &agentState{}
		e.agents[rec.SourceID] = a
	}
	a.volumeRing.add(now)
	if isErr {
		a.errRing.add(now)
	}
	a.ewmaPerMin = updateEWMA(a.ewmaPerMin, a.lastEventTime, now)
	a.lastEventTime = now
	a.lastSeen = now

	e.touchPattern(rec, now)
}

func (e *Engine) touchPattern(rec record.Record, now time.Time) {
	tmpl := record.Template(rec.Message)
	if el, ok := e.patternIdx[tmpl]; ok {
		pe := el.Value.(*patternEntry)
		pe.count++
		pe.lastSeen = now
		pe.severityClass = rec.Severity
		e.patternList.MoveToFront(el)
		return
	}
	pe := &patternEntry{template: tmpl, count: 1, lastSeen: now, severityClass: rec.Severity}
	el := e.patternList.PushFront(pe)
	e.patternIdx[tmpl] = el
	if e.patternList.Len() > e.maxPatterns {
		if back := e.patternList.Back(); back != nil {
			e.patternList.Remove(back)
			delete(e.patternIdx, back.Value.(*patternEntry).template)
		}
	}
}

func (e *Engine) agentHealth(id string, a *agentState, now time.Time) AgentHealth {
	volume := a.volumeRing.sum(now)
	errs := a.errRing.sum(now)
	errRate := 0.0
	if volume > 0 {
		errRate = float64(errs) / float64(volume)
	}
	deltaT := now.Sub(a.lastSeen)
	recency := math.Exp(-deltaT.Hours() / healthTau.Hours())
	volumeScore := math.Min(1, float64(volume)/e.baseline)

	composite := int(math.Round(60*(1-errRate) + 30*recency + 10*volumeScore))
	if composite > 100 {
		composite = 100
	} else if composite < 0 {
		composite = 0
	}

	status := Critical
	switch {
	case deltaT > inactivityThreshold:
		status = Inactive
	case composite >= 80:
		status = Healthy
	case composite >= 50:
		status = Warning
	}

	return AgentHealth{
		SourceID:      id,
		LastSeen:      a.lastSeen,
		Volume24h:     volume,
		ErrorCount24h: errs,
		LogsPerMinute: a.ewmaPerMin,
		Composite:     composite,
		Status:        status,
	}
}

func (e *Engine) publish(now time.Time) {
	severity := make(map[record.Severity]uint64, len(e.severityCounts))
	for k, v := range e.severityCounts {
		severity[k] = v
	}
	agentCounts := make(map[string]uint64, len(e.agentCounts))
	for k, v := range e.agentCounts {
		agentCounts[k] = v
	}
	agents := make(map[string]AgentHealth, len(e.agents))
	for id, a := range e.agents {
		agents[id] = e.agentHealth(id, a, now)
	}

	patterns := make([]PatternRecord, 0, e.patternList.Len())
	for el := e.patternList.Front(); el != nil; el = el.Next() {
		pe := el.Value.(*patternEntry)
		pct := 0.0
		if e.total > 0 {
			pct = float64(pe.count) / float64(e.total) * 100
		}
		patterns = append(patterns, PatternRecord{
			Template:      pe.template,
			Count:         pe.count,
			Percentage:    pct,
			SeverityClass: pe.severityClass,
			LastSeen:      pe.lastSeen,
		})
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Count > patterns[j].Count })
	if len(patterns) > e.topK {
		patterns = patterns[:e.topK]
	}

	totalWindow := e.totalRing.sum(now)
	errRate := 0.0
	if totalWindow > 0 {
		errRate = float64(e.errRing.sum(now)) / float64(totalWindow)
	}

	snap := &Snapshot{
		GeneratedAt:    now,
		TotalLogs:      e.total,
		SeverityCounts: severity,
		AgentCounts:    agentCounts,
		HourCounts:     e.totalRing.counts(now),
		ErrorRate24h:   errRate,
		LogsPerMinute:  e.globalEWMA,
		Agents:         agents,
		TopPatterns:    patterns,
	}
	e.snap.Store(snap)
}

// Snapshot returns the most recently published snapshot. Safe for
// concurrent use by any number of readers.
func (e *Engine) Snapshot() *Snapshot {
	v := e.snap.Load()
	if v == nil {
		return nil
	}
	return v.(*Snapshot)
}

/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tailer

import (
	"context"
	"testing"
	"time"

	"github.com/gravwell/agentlog/ingest/log"
	"github.com/gravwell/agentlog/record"
)

// repeatingParser returns the same message for every line, with fallback as
// its timestamp, so tests can drive the lag gap directly via catchts.
type repeatingParser struct {
	message string
}

func (p repeatingParser) Parse(line []byte, fallback time.Time) record.Record {
	return record.Record{ID: "1", Timestamp: fallback, Message: p.message}
}

func TestLagCoalescesIdenticalLines(t *testing.T) {
	sink := &capturingSink{}
	parser := &repeatingParser{message: "tick"}
	lh, err := NewLogHandler(LogHandlerConfig{
		TagName:  "default",
		SourceID: "src-1",
		IgnoreTS: false,
		Logger:   log.NewDiscardLogger(),
		Parser:   parser,
		Ctx:      context.Background(),
	}, sink)
	if err != nil {
		t.Fatal(err)
	}
	// observeLag is exercised directly with synthetic gaps rather than
	// through HandleLog, since real sustained lag would mean the test
	// sleeping for lagSustainDuration.
	base := time.Now()

	// first line: not yet lagging, passes straight through
	out := lh.observeLag("/tmp/app.log", 0, record.Record{Message: "tick"})
	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}

	behind := lagGapThreshold + time.Second
	// gap exceeds the threshold but hasn't been sustained for
	// lagSustainDuration yet: still passes through normally
	out = lh.observeLag("/tmp/app.log", behind, record.Record{Message: "tick"})
	if len(out) != 1 {
		t.Fatalf("expected 1 record before lag is sustained, got %d", len(out))
	}

	// fake the clock having moved past lagSustainDuration by backdating
	// behindSince directly; observeLag only reads it under its own lock,
	// which we are not holding, but no other goroutine touches it in this
	// single-threaded test.
	tr := lh.lag.tracker("/tmp/app.log")
	tr.behindSince = base.Add(-2 * lagSustainDuration)

	out = lh.observeLag("/tmp/app.log", behind, record.Record{Message: "tick"})
	if len(out) != 1 {
		t.Fatalf("expected the first lagging line to pass through, got %d", len(out))
	}

	// repeats of the same message while lagging are swallowed
	for i := 0; i < 3; i++ {
		out = lh.observeLag("/tmp/app.log", behind, record.Record{Message: "tick"})
		if len(out) != 0 {
			t.Fatalf("expected duplicate line to be coalesced, got %d records", len(out))
		}
	}

	// a different message flushes the coalesced run, then passes through
	out = lh.observeLag("/tmp/app.log", behind, record.Record{Message: "tock"})
	if len(out) != 2 {
		t.Fatalf("expected a flushed summary plus the new line, got %d", len(out))
	}
	if out[0].Message != "tick (repeated 3 more time(s))" {
		t.Fatalf("unexpected coalesced message: %q", out[0].Message)
	}
	if out[1].Message != "tock" {
		t.Fatalf("unexpected pass-through message: %q", out[1].Message)
	}

	// catching back up flushes any pending run and resumes normal delivery
	tr2 := lh.lag.tracker("/tmp/app.log")
	tr2.dupCount = 2
	out = lh.observeLag("/tmp/app.log", 0, record.Record{Message: "caught-up"})
	if len(out) != 2 {
		t.Fatalf("expected a flush plus the caught-up line, got %d", len(out))
	}
	if out[1].Message != "caught-up" {
		t.Fatalf("unexpected message after catch-up: %q", out[1].Message)
	}
}

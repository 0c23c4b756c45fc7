/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package parse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravwell/agentlog/record"
)

func TestClaudeCodeStructured(t *testing.T) {
	p := New(record.ClaudeCode)
	now := time.Now()
	line := []byte(`{"timestamp":"2025-01-01T00:00:00Z","level":"error","message":"boom","session_id":"sess-1"}`)
	rec := p.Parse(line, now)
	require.Equal(t, record.Error, rec.Severity)
	require.Equal(t, "boom", rec.Message)
	require.Equal(t, "sess-1", rec.SessionID)
	require.False(t, rec.SyntheticTS)
	require.Equal(t, "2025-01-01T00:00:00Z", rec.Timestamp.Format(time.RFC3339))
}

func TestCursorMixedParse(t *testing.T) {
	p := New(record.Cursor)
	now := time.Now()

	rec := p.Parse([]byte(`{"timestamp":"2025-01-01T00:00:00Z","level":"error","message":"boom"}`), now)
	require.Equal(t, record.Error, rec.Severity)
	require.Equal(t, "boom", rec.Message)

	rec = p.Parse([]byte(`[2025-01-01T00:00:01Z] [WARN] slow`), now)
	require.Equal(t, record.Warn, rec.Severity)
	require.Equal(t, "slow", rec.Message)

	rec = p.Parse([]byte(`hello world`), now)
	require.Equal(t, record.Info, rec.Severity)
	require.Equal(t, "hello world", rec.Message)
	require.True(t, rec.SyntheticTS)
}

func TestGeminiRejectsUndecodable(t *testing.T) {
	p := New(record.Gemini)
	rec := p.Parse([]byte(`not json`), time.Now())
	require.Equal(t, "", rec.Message)
	require.Equal(t, "undecodable gemini record", rec.Metadata["reject_reason"])
}

func TestCustomTextNeverRejects(t *testing.T) {
	p := New(record.Custom)
	rec := p.Parse([]byte(`anything at all, (even) weird punctuation!`), time.Now())
	require.Equal(t, record.Info, rec.Severity)
	require.NotEmpty(t, rec.Message)
}

func TestFingerprintStableAcrossRuns(t *testing.T) {
	// record.Fingerprint is a pure function of its inputs (§8 law 2): the
	// same template and counter must always produce the same id.
	a := record.Fingerprint("src-1", record.Template("disk usage at 95 percent"), 7)
	b := record.Fingerprint("src-1", record.Template("disk usage at 95 percent"), 7)
	require.Equal(t, a, b)
}

func TestTemplateNormalizesVariableTokens(t *testing.T) {
	tA := record.Template("request 123 took too long for user 550e8400-e29b-41d4-a716-446655440000")
	tB := record.Template("request 999 took too long for user 6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	require.Equal(t, tA, tB)
}

func TestSeverityMapping(t *testing.T) {
	require.Equal(t, record.Warn, record.ParseSeverity("warning"))
	require.Equal(t, record.Fatal, record.ParseSeverity("critical"))
	require.Equal(t, record.Debug, record.ParseSeverity("trace"))
	require.Equal(t, record.Info, record.ParseSeverity("bogus"))
}

func TestRawTruncation(t *testing.T) {
	p := New(record.Custom)
	big := make([]byte, record.RawMax+100)
	for i := range big {
		big[i] = 'a'
	}
	rec := p.Parse(big, time.Now())
	require.True(t, rec.Truncated)
	require.Len(t, rec.Raw, record.RawMax)
}

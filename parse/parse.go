/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package parse converts a raw tailed line plus an agent kind into a
// canonical record.Record (§4.4). Parsing never fails outward: a line that
// cannot be structured always falls back to a best-effort record rather
// than aborting the tail.
package parse

import (
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"fmt"

	json "github.com/goccy/go-json"

	"github.com/gravwell/agentlog/record"
	"github.com/gravwell/syslogparser"
	"github.com/gravwell/syslogparser/rfc3164"
	"github.com/gravwell/syslogparser/rfc5424"
)

// Parser is implemented by every per-agent-kind parser and is the contract
// the tailer package dispatches through.
type Parser interface {
	Parse(line []byte, fallback time.Time) record.Record
}

// New returns the parser appropriate for the given agent kind, matching
// the per-agent rules in §4.4. Unknown kinds get the text fallback parser,
// the same behavior as "custom" with format=text.
func New(kind record.AgentKind) Parser {
	switch kind {
	case record.ClaudeCode:
		return &claudeParser{}
	case record.Cursor:
		return &mixedParser{promoteRequestID: false}
	case record.VSCode:
		return &mixedParser{promoteRequestID: true}
	case record.Gemini:
		return &geminiParser{}
	default:
		return &textFallbackParser{}
	}
}

// counter is a monotonic, per-process tie-breaker folded into every
// fingerprint so that two structurally identical lines parsed in the same
// run still get distinct record ids, while replaying the exact same tail
// position reproduces the exact same sequence of ids (§8, law 2).
var counter uint64

func nextCounter() uint64 {
	return atomic.AddUint64(&counter, 1)
}

func build(ts time.Time, synthetic bool, sev record.Severity, message string, raw []byte, meta map[string]string) record.Record {
	trimmed := strings.TrimSpace(message)
	truncated := false
	if len(raw) > record.RawMax {
		raw = raw[:record.RawMax]
		truncated = true
	}
	tmpl := record.Template(trimmed)
	rec := record.Record{
		ID:          record.Fingerprint(``, tmpl, nextCounter()),
		Timestamp:   ts.UTC(),
		SyntheticTS: synthetic,
		Severity:    sev,
		Message:     trimmed,
		Metadata:    meta,
		Raw:         raw,
		Truncated:   truncated,
	}
	return rec
}

// --- claude-code -----------------------------------------------------------

type claudeJSONLine struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context"`
	SessionID string                 `json:"session_id"`
}

type claudeParser struct{}

func (p *claudeParser) Parse(line []byte, fallback time.Time) record.Record {
	var j claudeJSONLine
	if err := json.Unmarshal(line, &j); err == nil && j.Message != `` {
		ts, synthetic := parseTimestamp(j.Timestamp, fallback)
		meta := flattenContext(j.Context)
		rec := build(ts, synthetic, record.ParseSeverity(j.Level), j.Message, line, meta)
		rec.SessionID = j.SessionID
		return rec
	}
	return fallbackChain(line, fallback)
}

// --- cursor / vscode ---------------------------------------------------------

type mixedParser struct {
	promoteRequestID bool
}

type mixedJSONLine struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (p *mixedParser) Parse(line []byte, fallback time.Time) record.Record {
	var j mixedJSONLine
	if err := json.Unmarshal(line, &j); err == nil && j.Message != `` {
		ts, synthetic := parseTimestamp(j.Timestamp, fallback)
		var meta map[string]string
		if p.promoteRequestID && j.RequestID != `` {
			meta = map[string]string{"request_id": j.RequestID}
		}
		return build(ts, synthetic, record.ParseSeverity(j.Level), j.Message, line, meta)
	}
	return fallbackChain(line, fallback)
}

// fallbackChain implements the ordered regex fallbacks shared by cursor and
// vscode: `[ISO8601] [level] msg`, `ISO8601 LEVEL: msg`,
// `[YYYY-MM-DD HH:MM:SS] LEVEL: msg`, and finally current-time/info/raw-line.
var (
	reBracketed = regexp.MustCompile(`^\[([0-9T:.\-+Z]+)\]\s*\[(\w+)\]\s*(.*)$`)
	rePlainISO  = regexp.MustCompile(`^([0-9T:.\-+Z]+)\s+(\w+):\s*(.*)$`)
	reDateSpace = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\]\s*(\w+):\s*(.*)$`)
)

func fallbackChain(line []byte, fallback time.Time) record.Record {
	s := string(line)
	if m := reBracketed.FindStringSubmatch(s); m != nil {
		ts, synthetic := parseTimestamp(m[1], fallback)
		return build(ts, synthetic, record.ParseSeverity(m[2]), m[3], line, nil)
	}
	if m := rePlainISO.FindStringSubmatch(s); m != nil {
		ts, synthetic := parseTimestamp(m[1], fallback)
		return build(ts, synthetic, record.ParseSeverity(m[2]), m[3], line, nil)
	}
	if m := reDateSpace.FindStringSubmatch(s); m != nil {
		ts, synthetic := parseTime(m[1], "2006-01-02 15:04:05", fallback)
		return build(ts, synthetic, record.ParseSeverity(m[2]), m[3], line, nil)
	}
	return build(fallback, true, record.Info, s, line, nil)
}

// --- gemini ------------------------------------------------------------------

type geminiParser struct{}

// Reject is an error carrying a rejection reason. geminiParser does not
// return it: a gemini line that fails to decode still yields a record, with
// an empty message and a "reject_reason" entry in its Metadata.
type Reject struct {
	Reason string
}

func (r Reject) Error() string { return r.Reason }

func (p *geminiParser) Parse(line []byte, fallback time.Time) record.Record {
	var j claudeJSONLine
	if err := json.Unmarshal(line, &j); err != nil || j.Message == `` {
		rec := build(fallback, true, record.Info, ``, line, nil)
		rec.Metadata = map[string]string{"reject_reason": "undecodable gemini record"}
		return rec
	}
	ts, synthetic := parseTimestamp(j.Timestamp, fallback)
	return build(ts, synthetic, record.ParseSeverity(j.Level), j.Message, line, flattenContext(j.Context))
}

// --- custom / text fallback ---------------------------------------------------

type textFallbackParser struct{}

func (p *textFallbackParser) Parse(line []byte, fallback time.Time) record.Record {
	if parts, ok := tryDetectSyslog(line); ok {
		ts := fallback
		synthetic := true
		if parts.when != nil {
			ts = *parts.when
			synthetic = false
		}
		return build(ts, synthetic, record.ParseSeverity(parts.severity), parts.content, line, map[string]string{
			"syslog_facility": parts.facility,
			"syslog_hostname": parts.hostname,
		})
	}
	return fallbackChain(line, fallback)
}

type syslogParts struct {
	when     *time.Time
	severity string
	facility string
	hostname string
	content  string
}

// tryDetectSyslog recognizes a custom agent that happens to emit
// syslog-framed text (RFC3164 or RFC5424), the same detection the legacy
// syslog router used for inbound traffic, adapted to feed the canonical
// record rather than re-tag a wire entry.
func tryDetectSyslog(line []byte) (syslogParts, bool) {
	tp, err := syslogparser.DetectRFC(line)
	if err != nil || !(tp == syslogparser.RFC_3164 || tp == syslogparser.RFC_5424) {
		return syslogParts{}, false
	}
	switch tp {
	case syslogparser.RFC_3164:
		p := rfc3164.NewParser(line)
		if p == nil {
			return syslogParts{}, false
		}
		if err := p.Parse(); err != nil {
			return syslogParts{}, false
		}
		return dumpToParts(p.Dump()), true
	case syslogparser.RFC_5424:
		p := rfc5424.NewParser(line)
		if p == nil {
			return syslogParts{}, false
		}
		if err := p.Parse(); err != nil {
			return syslogParts{}, false
		}
		return dumpToParts(p.Dump()), true
	}
	return syslogParts{}, false
}

func dumpToParts(parts map[string]interface{}) syslogParts {
	sp := syslogParts{}
	if sev, ok := parts["severity"]; ok {
		sp.severity = severityNumToString(sev)
	}
	if fac, ok := parts["facility"]; ok {
		sp.facility = toString(fac)
	}
	if host, ok := parts["hostname"]; ok {
		sp.hostname = toString(host)
	}
	if content, ok := parts["content"]; ok {
		sp.content = toString(content)
	} else if msg, ok := parts["message"]; ok {
		sp.content = toString(msg)
	}
	if ts, ok := parts["timestamp"].(time.Time); ok {
		sp.when = &ts
	}
	return sp
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return ``
	}
}

func severityNumToString(v interface{}) string {
	n, ok := v.(int)
	if !ok {
		return ``
	}
	// syslog severity 0-7: emerg..debug, folded onto our six-value enum.
	switch {
	case n <= 2:
		return "fatal"
	case n == 3:
		return "error"
	case n == 4:
		return "warn"
	case n == 6:
		return "info"
	case n == 7:
		return "debug"
	default:
		return "info"
	}
}

func flattenContext(ctx map[string]interface{}) map[string]string {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]string, len(ctx))
	for k, v := range ctx {
		out[k] = toString(v)
		if out[k] == `` {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

func parseTimestamp(s string, fallback time.Time) (time.Time, bool) {
	if s == `` {
		return fallback, true
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, false
		}
	}
	return fallback, true
}

func parseTime(s, layout string, fallback time.Time) (time.Time, bool) {
	if t, err := time.Parse(layout, s); err == nil {
		return t, false
	}
	return fallback, true
}

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package record defines the canonical log record that flows from the
// parser, through the ingress bus, to the sinks, analytics, and the
// websocket hub. A Record is a value type: once constructed it is never
// mutated.
package record

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/minio/highwayhash"
)

// fingerprintKey is a fixed highwayhash key: Fingerprint has no adversarial
// input (it hashes a source id, a normalized template, and a counter this
// process itself produced), so a well-known key costs nothing and keeps the
// hash reproducible across restarts.
var fingerprintKey = make([]byte, 32)

// Severity is the canonical, ordered set of record severities.
type Severity uint8

const (
	Trace Severity = iota
	Debug
	Info
	Warn
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Trace:
		return "trace"
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	}
	return "info"
}

// ParseSeverity maps a raw, case-insensitive severity token (and its known
// synonyms) onto the canonical enum. Unknown values map to Info, matching
// §4.4's "unknown → info" rule.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return Debug
	case "info", "information", "notice":
		return Info
	case "warn", "warning":
		return Warn
	case "error", "err":
		return Error
	case "critical", "fatal", "panic":
		return Fatal
	}
	return Info
}

// AgentKind enumerates the known agent families. Custom agents also use
// this type, tagged Custom.
type AgentKind string

const (
	ClaudeCode AgentKind = "claude-code"
	Cursor     AgentKind = "cursor"
	VSCode     AgentKind = "vscode"
	Gemini     AgentKind = "gemini"
	Custom     AgentKind = "custom"
)

const (
	// RawMax bounds how much of the original line a Record retains; longer
	// lines are truncated and flagged, never rejected (§8 boundary rules).
	RawMax = 16 * 1024
)

// Record is the canonical, normalized log entry. See §3 of the data model:
// it is produced exactly once by the parser, fanned out unmodified by the
// bus, and consumed by sinks, analytics, and subscribers.
type Record struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	SyntheticTS bool              `json:"synthetic_ts,omitempty"`
	Severity    Severity          `json:"severity"`
	Message     string            `json:"message"`
	SourceID    string            `json:"source_id"`
	AgentKind   AgentKind         `json:"agent_kind"`
	SessionID   string            `json:"session_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Raw         []byte            `json:"raw"`
	Truncated   bool              `json:"truncated,omitempty"`
	Rotated     bool              `json:"rotated,omitempty"`
	IngestedAt  time.Time         `json:"ingested_at"`
}

// MarshalJSON uses goccy/go-json at the sink/hub boundary; Record itself
// stays encoding/json-compatible so it can round-trip through either.

// Fingerprint computes the stable, replay-safe id seed described in §4.4 and
// §8: a pure function of the source id, the normalized message template, and
// a monotonic per-source counter so that repeated runs over the same tail
// position produce the same id.
func Fingerprint(sourceID, template string, counter uint64) string {
	h, err := highwayhash.New(fingerprintKey)
	if err != nil {
		panic(err) // fingerprintKey is always exactly 32 bytes
	}
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(template))
	h.Write([]byte{0})
	var cb [8]byte
	binary.BigEndian.PutUint64(cb[:], counter)
	h.Write(cb[:])
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Template normalizes a raw message into the fingerprint/pattern key used by
// both the record id (§4.4) and the analytics pattern table (§4.7): it
// lower-cases, ASCII-tokenizes, and replaces integer and hex/UUID-shaped
// tokens with placeholders.
func Template(message string) string {
	var b strings.Builder
	fields := strings.FieldsFunc(message, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-')
	})
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(normalizeToken(strings.ToLower(f)))
	}
	return b.String()
}

func normalizeToken(tok string) string {
	if tok == "" {
		return tok
	}
	if isUUIDShaped(tok) {
		return "<uuid>"
	}
	if isHexShaped(tok) {
		return "<hex>"
	}
	if isIntShaped(tok) {
		return "<num>"
	}
	return tok
}

func isIntShaped(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isHexShaped(s string) bool {
	if len(s) < 6 {
		return false
	}
	hasDigit := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return hasDigit
}

func isUUIDShaped(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
				return false
			}
		}
	}
	return true
}

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package forwarder implements the syslog forwarder set (§4.9): each
// configured forwarder owns a live outbound connection (UDP, TCP, or
// TCP-TLS) and converts canonical records to RFC3164 or RFC5424 frames as
// they arrive. Frame shaping is grounded on the relay receiver's framing
// rules in ingesters/SimpleRelay, read in reverse since we are the sender.
package forwarder

import (
	"errors"
	"time"

	"github.com/gravwell/agentlog/record"
)

// Protocol is the forwarder's transport.
type Protocol string

const (
	UDP    Protocol = "udp"
	TCP    Protocol = "tcp"
	TCPTLS Protocol = "tcp-tls"
)

// Format is the on-wire syslog framing a forwarder emits.
type Format string

const (
	FormatRFC3164 Format = "rfc3164"
	FormatRFC5424 Format = "rfc5424"
)

var (
	ErrNotFound      = errors.New("forwarder not found")
	ErrDuplicateID   = errors.New("forwarder id already exists")
	ErrInvalidTarget = errors.New("forwarder host/port required")
)

// Filter narrows which records a forwarder receives: all three criteria,
// when non-empty, must match (§4.9's "optional filter (severity set,
// source-id set, substring)").
type Filter struct {
	Severities []record.Severity `json:"severities,omitempty"`
	SourceIDs  []string          `json:"source_ids,omitempty"`
	Substring  string            `json:"substring,omitempty"`
}

func (f Filter) matches(rec record.Record) bool {
	if len(f.Severities) > 0 {
		ok := false
		for _, s := range f.Severities {
			if s == rec.Severity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.SourceIDs) > 0 {
		ok := false
		for _, id := range f.SourceIDs {
			if id == rec.SourceID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Substring != `` && !containsFold(rec.Message, f.Substring) {
		return false
	}
	return true
}

// Descriptor is the canonical forwarder configuration (§3 "Forwarder
// descriptor").
type Descriptor struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Protocol      Protocol `json:"protocol"`
	Facility      int      `json:"facility"`
	SeverityFloor record.Severity `json:"severity_floor"`
	Format        Format   `json:"format"`
	Filter        Filter   `json:"filter,omitempty"`
	Enabled       bool     `json:"enabled"`
	// Persistent controls whether the descriptor survives a restart; a
	// test_connection forwarder is never persistent (§4.9).
	Persistent bool `json:"persistent"`
}

func (d Descriptor) validate() error {
	if d.ID == `` {
		return errors.New("forwarder id must not be empty")
	}
	if d.Host == `` || d.Port <= 0 {
		return ErrInvalidTarget
	}
	switch d.Protocol {
	case UDP, TCP, TCPTLS:
	default:
		return errors.New("unknown forwarder protocol")
	}
	switch d.Format {
	case FormatRFC3164, FormatRFC5424:
	default:
		return errors.New("unknown forwarder format")
	}
	if d.Facility < 0 || d.Facility > 23 {
		return errors.New("facility must be in 0-23")
	}
	return nil
}

func containsFold(haystack, needle string) bool {
	if needle == `` {
		return true
	}
	return indexFold(haystack, needle) >= 0
}

// indexFold is a small case-insensitive substring search; the message
// bodies here are short enough that strings.ToLower-then-Index would do,
// but avoiding the allocation on every dispatched record keeps the filter
// path cheap on the hot path (§4.9 runs inline in C6's dispatch).
func indexFold(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	if m == 0 {
		return 0
	}
	if m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if equalFold(haystack[i:i+m], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// connectTimeout and writeTimeout are C9's "forwarder connect (5s),
// forwarder write (5s)" timeouts from §5.
const (
	connectTimeout = 5 * time.Second
	writeTimeout   = 5 * time.Second
	maxBackoff     = 30 * time.Second
	baseBackoff    = 250 * time.Millisecond
	queueDepth     = 256
)

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package forwarder

import (
	"fmt"
	"time"

	"github.com/crewjam/rfc5424"

	"github.com/gravwell/agentlog/record"
)

const sdID = `agentlog@0`

// facilityTable maps a 0-23 facility number onto the named facility
// constants github.com/crewjam/rfc5424 already defines, in the standard
// syslog facility order.
var facilityTable = [...]rfc5424.Priority{
	rfc5424.Kern, rfc5424.User, rfc5424.Mail, rfc5424.Daemon, rfc5424.Auth,
	rfc5424.Syslog, rfc5424.LPR, rfc5424.News, rfc5424.UUCP, rfc5424.Cron,
	rfc5424.AuthPriv, rfc5424.FTP, rfc5424.NTP, rfc5424.Security, rfc5424.Console,
	rfc5424.SolarisCron, rfc5424.Local0, rfc5424.Local1, rfc5424.Local2,
	rfc5424.Local3, rfc5424.Local4, rfc5424.Local5, rfc5424.Local6, rfc5424.Local7,
}

func facilityPriority(facility int) rfc5424.Priority {
	if facility < 0 || facility >= len(facilityTable) {
		return rfc5424.User
	}
	return facilityTable[facility]
}

// severityPriority maps the canonical Severity onto the RFC5424 severity
// codes.
func severityPriority(sev record.Severity) rfc5424.Priority {
	switch sev {
	case record.Trace, record.Debug:
		return rfc5424.Debug
	case record.Info:
		return rfc5424.Info
	case record.Warn:
		return rfc5424.Warning
	case record.Error:
		return rfc5424.Error
	case record.Fatal:
		return rfc5424.Emergency
	}
	return rfc5424.Info
}

// severityCode3164 returns the 0-7 syslog severity number used in an
// RFC3164 PRI; RFC5424's severity constants already use the same numbering
// so this just widens severityPriority's low bits back to an int.
func severityCode3164(sev record.Severity) int {
	return int(severityPriority(sev))
}

func hostnameFor(rec record.Record) string {
	if rec.SourceID != `` {
		return rec.SourceID
	}
	return "agentlog"
}

// buildRFC5424 renders rec as an RFC5424 frame, grounded on
// ingest/log.GenRFCMessage: same Message{}/MarshalBinary() shape, with the
// session id (when present) carried as a structured-data parameter instead
// of a logger key-value pair.
func buildRFC5424(rec record.Record, facility int) ([]byte, error) {
	pri := facilityPriority(facility) | severityPriority(rec.Severity)
	m := rfc5424.Message{
		Priority:  pri,
		Timestamp: rec.Timestamp,
		Hostname:  trimLength(255, hostnameFor(rec)),
		AppName:   trimLength(48, string(rec.AgentKind)),
		MessageID: trimLength(32, "agentlog"),
		Message:   []byte(rec.Message),
	}
	if rec.SessionID != `` {
		m.StructuredData = []rfc5424.StructuredData{{
			ID:         sdID,
			Parameters: []rfc5424.SDParam{{Name: "session", Value: rec.SessionID}},
		}}
	}
	return m.MarshalBinary()
}

// buildRFC3164 hand-renders the legacy BSD syslog frame: "<PRI>Mon _2
// HH:MM:SS host tag: msg". No maintained RFC3164 encoder exists in the
// ecosystem stack this module otherwise draws from, so this one function
// is hand-written rather than library-backed (see DESIGN.md).
func buildRFC3164(rec record.Record, facility int) []byte {
	pri := facility*8 + severityCode3164(rec.Severity)
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	tag := string(rec.AgentKind)
	if tag == `` {
		tag = "agentlog"
	}
	return []byte(fmt.Sprintf("<%d>%s %s %s: %s",
		pri, ts.UTC().Format("Jan _2 15:04:05"), hostnameFor(rec), tag, rec.Message))
}

func buildFrame(rec record.Record, format Format, facility int) ([]byte, error) {
	switch format {
	case FormatRFC5424:
		return buildRFC5424(rec, facility)
	default:
		return buildRFC3164(rec, facility), nil
	}
}

// trimLength caps a string at i bytes, matching the length limits RFC5424
// places on Hostname/AppName/MessageID.
func trimLength(i int, s string) string {
	if len(s) <= i {
		return s
	}
	return s[:i]
}

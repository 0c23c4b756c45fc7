/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package forwarder

import (
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravwell/agentlog/record"
)

func newTestSet(t *testing.T) *Set {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "forwarders.db")
	s, err := New(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func udpListener(t *testing.T) (addr string, recv func(timeout time.Duration) ([]byte, bool)) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ch := make(chan []byte, 8)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			ch <- cp
		}
	}()
	recv = func(timeout time.Duration) ([]byte, bool) {
		select {
		case b := <-ch:
			return b, true
		case <-time.After(timeout):
			return nil, false
		}
	}
	return conn.LocalAddr().String(), recv
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestAddStartsForwarderAndDeliversOverUDP(t *testing.T) {
	s := newTestSet(t)
	addr, recv := udpListener(t)
	host, port := hostPort(t, addr)

	_, err := s.Add(Descriptor{
		ID:       "fw-1",
		Host:     host,
		Port:     port,
		Protocol: UDP,
		Format:   FormatRFC3164,
		Enabled:  true,
		Facility: 1,
	})
	require.NoError(t, err)

	s.Dispatch(record.Record{Severity: record.Error, Message: "db timeout", SourceID: "db", IngestedAt: time.Now().UTC()})

	b, ok := recv(2 * time.Second)
	require.True(t, ok)
	require.Contains(t, string(b), "db timeout")
}

func TestDispatchSkipsDisabledForwarder(t *testing.T) {
	s := newTestSet(t)
	addr, recv := udpListener(t)
	host, port := hostPort(t, addr)

	_, err := s.Add(Descriptor{
		ID: "fw-2", Host: host, Port: port, Protocol: UDP, Format: FormatRFC3164, Enabled: false,
	})
	require.NoError(t, err)

	s.Dispatch(record.Record{Severity: record.Error, Message: "should not arrive"})
	_, ok := recv(200 * time.Millisecond)
	require.False(t, ok)
}

func TestDispatchRespectsSeverityFloor(t *testing.T) {
	s := newTestSet(t)
	addr, recv := udpListener(t)
	host, port := hostPort(t, addr)

	_, err := s.Add(Descriptor{
		ID: "fw-3", Host: host, Port: port, Protocol: UDP, Format: FormatRFC3164,
		Enabled: true, SeverityFloor: record.Error,
	})
	require.NoError(t, err)

	s.Dispatch(record.Record{Severity: record.Info, Message: "below floor"})
	_, ok := recv(200 * time.Millisecond)
	require.False(t, ok)

	s.Dispatch(record.Record{Severity: record.Fatal, Message: "above floor"})
	b, ok := recv(2 * time.Second)
	require.True(t, ok)
	require.Contains(t, string(b), "above floor")
}

func TestAddRejectsDuplicateID(t *testing.T) {
	s := newTestSet(t)
	d := Descriptor{ID: "dup", Host: "127.0.0.1", Port: 514, Protocol: UDP, Format: FormatRFC3164, Enabled: true}
	_, err := s.Add(d)
	require.NoError(t, err)
	_, err = s.Add(d)
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestAddRejectsInvalidDescriptor(t *testing.T) {
	s := newTestSet(t)
	_, err := s.Add(Descriptor{ID: "bad", Protocol: UDP, Format: FormatRFC3164})
	require.ErrorIs(t, err, ErrInvalidTarget)
}

func TestPersistentForwarderSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forwarders.db")
	s, err := New(dbPath, nil)
	require.NoError(t, err)
	_, err = s.Add(Descriptor{
		ID: "persist-1", Host: "127.0.0.1", Port: 514, Protocol: UDP,
		Format: FormatRFC3164, Enabled: true, Persistent: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := New(dbPath, nil)
	require.NoError(t, err)
	defer s2.Close()
	require.Len(t, s2.List(), 1)
}

func TestTransientForwarderDoesNotSurviveRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forwarders.db")
	s, err := New(dbPath, nil)
	require.NoError(t, err)
	_, err = s.Add(Descriptor{
		ID: "transient-1", Host: "127.0.0.1", Port: 514, Protocol: UDP,
		Format: FormatRFC3164, Enabled: true, Persistent: false,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := New(dbPath, nil)
	require.NoError(t, err)
	defer s2.Close()
	require.Len(t, s2.List(), 0)
}

func TestDeleteStopsForwarder(t *testing.T) {
	s := newTestSet(t)
	_, err := s.Add(Descriptor{ID: "del-1", Host: "127.0.0.1", Port: 514, Protocol: UDP, Format: FormatRFC3164, Enabled: true})
	require.NoError(t, err)
	require.NoError(t, s.Delete("del-1"))
	require.Empty(t, s.List())
	require.ErrorIs(t, s.Delete("del-1"), ErrNotFound)
}

func TestTestConnectionWritesWithoutPersistedForwarder(t *testing.T) {
	addr, recv := udpListener(t)
	host, port := hostPort(t, addr)

	err := TestConnection(Descriptor{
		Host: host, Port: port, Protocol: UDP, Format: FormatRFC5424, Facility: 1,
	})
	require.NoError(t, err)

	_, ok := recv(2 * time.Second)
	require.True(t, ok)
}

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package forwarder

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravwell/agentlog/record"
)

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	var dropped uint64
	q := newQueue(2, &dropped)
	q.push(record.Record{Message: "a"})
	q.push(record.Record{Message: "b"})
	q.push(record.Record{Message: "c"})

	require.EqualValues(t, 1, dropped)
	rec, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, "b", rec.Message) // "a" was dropped as the oldest
	rec, ok = q.pop()
	require.True(t, ok)
	require.Equal(t, "c", rec.Message)
}

func TestQueuePopUnblocksOnClose(t *testing.T) {
	var dropped uint64
	q := newQueue(4, &dropped)
	done := make(chan struct{})
	go func() {
		_, ok := q.pop()
		require.False(t, ok)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	q.close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after close")
	}
}

func tcpListener(t *testing.T) (addr string, lines func(n int, timeout time.Duration) []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()

	lines = func(n int, timeout time.Duration) []string {
		out := make([]string, 0, n)
		deadline := time.After(timeout)
		for len(out) < n {
			select {
			case l := <-ch:
				out = append(out, l)
			case <-deadline:
				return out
			}
		}
		return out
	}
	return ln.Addr().String(), lines
}

func TestForwarderDeliversOverTCPInOrder(t *testing.T) {
	addr, lines := tcpListener(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	f := newForwarder(Descriptor{
		ID: "tcp-1", Host: host, Port: port, Protocol: TCP,
		Format: FormatRFC3164, Enabled: true,
	}, nil)
	defer f.stop()

	f.Dispatch(record.Record{Severity: record.Info, Message: "first"})
	f.Dispatch(record.Record{Severity: record.Info, Message: "second"})

	got := lines(2, 2*time.Second)
	require.Len(t, got, 2)
	require.Contains(t, got[0], "first")
	require.Contains(t, got[1], "second")
}

func TestForwarderDropsAfterUnreachableHost(t *testing.T) {
	f := newForwarder(Descriptor{
		ID: "unreachable", Host: "127.0.0.1", Port: 1, Protocol: TCP,
		Format: FormatRFC3164, Enabled: true,
	}, nil)
	defer f.stop()

	f.Dispatch(record.Record{Severity: record.Info, Message: "nobody home"})
	require.Eventually(t, func() bool { return f.DropTotal() == 1 }, 15*time.Second, 50*time.Millisecond)
}

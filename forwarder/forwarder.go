/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package forwarder

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravwell/agentlog/ingest/log"
	"github.com/gravwell/agentlog/record"
)

const (
	maxFrameRetries = 5
)

// queue is a bounded, drop-oldest-on-overflow buffer (§4.9: "on overflow,
// drop oldest and increment forwarder_drop_total"). A plain channel can't
// evict its head on overflow, so this uses a condition-variable shape
// instead, the same one the ingest muxer uses for its
// connection-availability signal.
type queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []record.Record
	closed  bool
	maxLen  int
	dropped *uint64
}

func newQueue(maxLen int, dropped *uint64) *queue {
	q := &queue{maxLen: maxLen, dropped: dropped}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(rec record.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.items) >= q.maxLen {
		q.items = q.items[1:]
		atomic.AddUint64(q.dropped, 1)
	}
	q.items = append(q.items, rec)
	q.cond.Signal()
}

func (q *queue) pop() (record.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return record.Record{}, false
	}
	rec := q.items[0]
	q.items = q.items[1:]
	return rec, true
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Forwarder owns one configured syslog destination: a persistent
// connection (TCP/TCP-TLS) or a connected UDP socket, a bounded outbound
// queue, and a single worker goroutine that drains it with reconnect +
// doubling backoff.
type Forwarder struct {
	mu   sync.RWMutex
	desc Descriptor
	lg   *log.Logger

	q    *queue
	done chan struct{}
	wg   sync.WaitGroup

	conn      net.Conn
	dropTotal uint64
}

func newForwarder(desc Descriptor, lg *log.Logger) *Forwarder {
	f := &Forwarder{
		desc: desc,
		lg:   lg,
		done: make(chan struct{}),
	}
	f.q = newQueue(queueDepth, &f.dropTotal)
	f.wg.Add(1)
	go f.run()
	return f
}

func (f *Forwarder) descriptor() Descriptor {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.desc
}

func (f *Forwarder) setDescriptor(desc Descriptor) {
	f.mu.Lock()
	f.desc = desc
	f.mu.Unlock()
}

// Dispatch enqueues rec if the forwarder is enabled and its filter
// matches; otherwise it is silently skipped.
func (f *Forwarder) Dispatch(rec record.Record) {
	desc := f.descriptor()
	if !desc.Enabled || rec.Severity < desc.SeverityFloor {
		return
	}
	if !desc.Filter.matches(rec) {
		return
	}
	f.q.push(rec)
}

// DropTotal reports forwarder_drop_total for this forwarder.
func (f *Forwarder) DropTotal() uint64 {
	return atomic.LoadUint64(&f.dropTotal)
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for {
		rec, ok := f.q.pop()
		if !ok {
			f.closeConn()
			return
		}
		f.writeWithRetry(rec)
	}
}

// writeWithRetry mirrors the sink package's doubling-backoff retry shape:
// reconnect-and-write is attempted up to maxFrameRetries times before the
// record is dropped and forwarder_drop_total is incremented.
func (f *Forwarder) writeWithRetry(rec record.Record) {
	var delay time.Duration
	for attempt := 0; attempt <= maxFrameRetries; attempt++ {
		if err := f.writeOnce(rec); err == nil {
			return
		} else if attempt == maxFrameRetries {
			atomic.AddUint64(&f.dropTotal, 1)
			if f.lg != nil {
				f.lg.Error("dropping forwarded record after repeated failures",
					log.KV("forwarder", f.descriptor().ID), log.KVErr(err))
			}
			return
		}
		delay = backoff(delay, maxBackoff)
		select {
		case <-time.After(delay):
		case <-f.done:
			return
		}
	}
}

func (f *Forwarder) writeOnce(rec record.Record) error {
	desc := f.descriptor()
	frame, err := buildFrame(rec, desc.Format, desc.Facility)
	if err != nil {
		return err
	}
	conn, err := f.ensureConn(desc)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		f.closeConn()
		return err
	}
	if desc.Format == FormatRFC3164 {
		frame = append(frame, '\n')
	}
	if _, err := conn.Write(frame); err != nil {
		f.closeConn()
		return err
	}
	return nil
}

func (f *Forwarder) ensureConn(desc Descriptor) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn, nil
	}
	conn, err := dial(desc)
	if err != nil {
		return nil, err
	}
	f.conn = conn
	return conn, nil
}

func (f *Forwarder) closeConn() {
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.mu.Unlock()
}

func (f *Forwarder) stop() {
	close(f.done)
	f.q.close()
	f.wg.Wait()
	f.closeConn()
}

// dial opens the connection named by desc's protocol, honoring
// connectTimeout (§5). TCP-TLS skips certificate verification is NOT the
// default; callers that need a private CA should front this with a real
// trust store, which is out of scope for a forwarder descriptor.
func dial(desc Descriptor) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", desc.Host, desc.Port)
	switch desc.Protocol {
	case UDP:
		return net.DialTimeout("udp", addr, connectTimeout)
	case TCP:
		return net.DialTimeout("tcp", addr, connectTimeout)
	case TCPTLS:
		d := &net.Dialer{Timeout: connectTimeout}
		return tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: desc.Host})
	}
	return nil, fmt.Errorf("unknown protocol %q", desc.Protocol)
}

func backoff(curr, max time.Duration) time.Duration {
	if curr <= 0 {
		return baseBackoff
	}
	if curr = curr * 2; curr > max {
		curr = max
	}
	return curr
}

// testConnection dials a fresh, throwaway connection, writes a single
// synthetic frame, and closes it without touching any Forwarder's
// persistent state (§4.9's test_connection).
func testConnection(desc Descriptor, rec record.Record) error {
	conn, err := dial(desc)
	if err != nil {
		return err
	}
	defer conn.Close()
	frame, err := buildFrame(rec, desc.Format, desc.Facility)
	if err != nil {
		return err
	}
	if desc.Format == FormatRFC3164 {
		frame = append(frame, '\n')
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

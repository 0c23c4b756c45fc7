/*************************************************************************
 * Copyright 2021 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wshub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subscriber is one connected websocket client bound to zero or more
// channels. Outbound messages are queued on a bounded channel; a consumer
// that can't keep up is disconnected rather than allowed to back up the
// hub.
type Subscriber struct {
	id   string
	conn *websocket.Conn

	mu            sync.RWMutex
	channels      map[string]bool
	hasSubscribed bool

	out       chan Envelope
	slowSince time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newSubscriber(id string, conn *websocket.Conn) *Subscriber {
	return &Subscriber{
		id:       id,
		conn:     conn,
		channels: make(map[string]bool),
		out:      make(chan Envelope, defaultQueueDepth),
		done:     make(chan struct{}),
	}
}

// ID returns the subscriber's hub-assigned identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// subscribed reports whether channel should be delivered to this
// subscriber. Until the first {type:subscribe,...} message arrives, a
// subscriber defaults to receiving every channel (§4.8 step 2).
func (s *Subscriber) subscribed(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasSubscribed {
		return true
	}
	return s.channels[channel]
}

func (s *Subscriber) setChannels(channels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasSubscribed = true
	s.channels = make(map[string]bool, len(channels))
	for _, c := range channels {
		s.channels[c] = true
	}
}

// enqueue hands env to the subscriber's outbound queue without blocking.
// If the queue is already full it tracks how long the subscriber has been
// falling behind and reports whether dropAfterSlowFor has elapsed, which
// the hub uses to decide whether to disconnect.
func (s *Subscriber) enqueue(env Envelope) (stillGood bool) {
	select {
	case s.out <- env:
		s.slowSince = time.Time{}
		return true
	default:
		if s.slowSince.IsZero() {
			s.slowSince = time.Now()
		}
		return time.Since(s.slowSince) < dropAfterSlowFor
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

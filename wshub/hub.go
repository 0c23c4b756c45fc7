/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wshub

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gravwell/agentlog/wshub/objlog"
)

// Hub is the websocket hub named in §4.8. A single Hub serves every
// channel; "/ws" and "/ws/analytics" are the same endpoint, with
// "analytics" being just another channel name a subscriber asks for.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	nextID      uint64
	objLog      objlog.ObjLog
	closed      bool
}

// NewHub builds an empty Hub. A nil objLog is replaced with a no-op
// logger (objlog.NewNilLogger).
func NewHub(objLog objlog.ObjLog) *Hub {
	if objLog == nil {
		objLog, _ = objlog.NewNilLogger()
	}
	return &Hub{subscribers: make(map[string]*Subscriber), objLog: objLog}
}

// Upgrade promotes an HTTP request to a websocket connection and starts
// its read/write pumps. It does not block.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  defaultReadBufferSize,
		WriteBufferSize: defaultWriteBufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("sub-%d", atomic.AddUint64(&h.nextID, 1))
	sub := newSubscriber(id, conn)

	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()

	go h.writePump(sub)
	go h.readPump(sub)
	return nil
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	_, existed := h.subscribers[sub.id]
	delete(h.subscribers, sub.id)
	h.mu.Unlock()
	if existed {
		h.objLog.Log(sub.id, "DISCONNECT", nil)
	}
	sub.close()
}

// readPump consumes subscribe control messages and keeps the read
// deadline alive via pong frames; any read error (including a close
// frame or a pong timeout) tears the subscriber down.
func (h *Hub) readPump(sub *Subscriber) {
	defer h.remove(sub)
	sub.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		var msg subscribeMsg
		if err := sub.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "subscribe" {
			sub.setChannels(msg.Channels)
			h.objLog.Log(sub.id, "SUBSCRIBE", msg.Channels)
		}
	}
}

// writePump drains the subscriber's outbound queue and sends a ping every
// pingInterval; a write or ping failure tears the subscriber down.
func (h *Hub) writePump(sub *Subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer h.remove(sub)
	for {
		select {
		case env, ok := <-sub.out:
			if !ok {
				return
			}
			if err := sub.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				return
			}
		case <-sub.done:
			return
		}
	}
}

// Publish fans an envelope out to every subscriber currently bound to
// channel. A subscriber that has been behind its queue for longer than
// dropAfterSlowFor is disconnected rather than allowed to stall delivery
// to everyone else.
func (h *Hub) Publish(channel string, typ MessageType, data interface{}) {
	env := Envelope{Type: typ, Timestamp: time.Now().UTC(), Data: data}

	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		if s.subscribed(channel) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(env) {
			h.remove(s)
		}
	}
}

// Count returns the number of currently connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.subscribers = make(map[string]*Subscriber)
	h.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

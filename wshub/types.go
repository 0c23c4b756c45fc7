/*************************************************************************
 * Copyright 2021 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package wshub implements the websocket hub (§4.8): subscribers negotiate
// channel interest with a {type:subscribe, channels:[...]} control message
// instead of protocol-level subprotocol negotiation, and the hub fans
// typed envelopes out to whoever is subscribed, dropping anyone who falls
// too far behind.
package wshub

import (
	"errors"
	"time"
)

const (
	defaultReadBufferSize  int = 1024
	defaultWriteBufferSize int = 1024

	// defaultQueueDepth is Q, the bounded per-subscriber outbound queue.
	defaultQueueDepth int = 32
	// dropAfterSlowFor is T_drop: how long a subscriber may sit behind a
	// full queue before the hub disconnects it as a slow consumer.
	dropAfterSlowFor time.Duration = 5 * time.Second
	// pingInterval is P_ping; pongTimeout is 2*P_ping per §4.8.
	pingInterval time.Duration = 30 * time.Second
	pongTimeout  time.Duration = 2 * pingInterval
	pingWriteWait time.Duration = 5 * time.Second
)

var (
	ErrHubClosed = errors.New("hub closed")
)

// MessageType enumerates the envelope kinds a subscriber may receive.
type MessageType string

const (
	TypeLogEntry        MessageType = "log-entry"
	TypeAnalyticsUpdate MessageType = "analytics-update"
	TypeAgentStatus     MessageType = "agent-status"
	TypePatternAlert    MessageType = "pattern-alert"
	TypeHealthUpdate    MessageType = "health-update"
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
)

// Envelope is the wire shape of every message the hub sends.
type Envelope struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// subscribeMsg is the only inbound control message a subscriber sends;
// unrecognized types are silently ignored rather than disconnecting the
// client over a forward-compatible field.
type subscribeMsg struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wshub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestHubServer(t *testing.T, hub *Hub) (wsURL string, closeFn func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, hub.Upgrade(w, r))
	}))
	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, srv.Close
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestSubscribeThenPublishDelivers(t *testing.T) {
	hub := NewHub(nil)
	url, closeFn := newTestHubServer(t, hub)
	defer closeFn()
	defer hub.Close()

	conn := dial(t, url)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(subscribeMsg{Type: "subscribe", Channels: []string{"logs:stream:src-a"}}))

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)
	// give the read pump a moment to process the subscribe message
	time.Sleep(50 * time.Millisecond)

	hub.Publish("logs:stream:src-a", TypeLogEntry, map[string]string{"message": "hi"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, TypeLogEntry, env.Type)
}

func TestPublishSkipsUnsubscribedChannel(t *testing.T) {
	hub := NewHub(nil)
	url, closeFn := newTestHubServer(t, hub)
	defer closeFn()
	defer hub.Close()

	conn := dial(t, url)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(subscribeMsg{Type: "subscribe", Channels: []string{"analytics"}}))
	time.Sleep(50 * time.Millisecond)

	hub.Publish("logs:stream:src-a", TypeLogEntry, "should not arrive")

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var env Envelope
	err := conn.ReadJSON(&env)
	require.Error(t, err)
}

func TestSlowConsumerDisconnectedAfterGracePeriod(t *testing.T) {
	hub := NewHub(nil)
	url, closeFn := newTestHubServer(t, hub)
	defer closeFn()
	defer hub.Close()

	conn := dial(t, url)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(subscribeMsg{Type: "subscribe", Channels: []string{"c"}}))
	time.Sleep(50 * time.Millisecond)

	var sub *Subscriber
	hub.mu.RLock()
	for _, s := range hub.subscribers {
		sub = s
	}
	hub.mu.RUnlock()
	require.NotNil(t, sub)

	// force the subscriber artificially behind its grace window without
	// needing to actually wait dropAfterSlowFor in realtime.
	sub.slowSince = time.Now().Add(-2 * dropAfterSlowFor)
	for i := 0; i < defaultQueueDepth; i++ {
		sub.out <- Envelope{Type: TypeLogEntry}
	}

	ok := sub.enqueue(Envelope{Type: TypeLogEntry})
	require.False(t, ok)
}

func TestSubscriberDefaultsToAllChannelsBeforeSubscribe(t *testing.T) {
	s := newSubscriber("x", nil)
	require.True(t, s.subscribed("logs:stream:src-a"))
	require.True(t, s.subscribed("analytics"))

	s.setChannels([]string{"analytics"})
	require.False(t, s.subscribed("logs:stream:src-a"))
	require.True(t, s.subscribed("analytics"))
}

func TestPublishDeliversBeforeAnySubscribeMessage(t *testing.T) {
	hub := NewHub(nil)
	url, closeFn := newTestHubServer(t, hub)
	defer closeFn()
	defer hub.Close()

	conn := dial(t, url)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	// no subscribe message is ever sent; per §4.8 step 2 the connection
	// should still receive every channel until it opts into a narrower set
	hub.Publish("logs:stream:src-a", TypeLogEntry, map[string]string{"message": "hi"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, TypeLogEntry, env.Type)
}

func TestSubscriberChannelSetReplacesOnResubscribe(t *testing.T) {
	s := newSubscriber("x", nil)
	s.setChannels([]string{"a", "b"})
	require.True(t, s.subscribed("a"))
	require.True(t, s.subscribed("b"))

	s.setChannels([]string{"c"})
	require.False(t, s.subscribed("a"))
	require.True(t, s.subscribed("c"))
}

func TestHubCloseDisconnectsSubscribers(t *testing.T) {
	hub := NewHub(nil)
	url, closeFn := newTestHubServer(t, hub)
	defer closeFn()

	conn := dial(t, url)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	hub.Close()
	require.Equal(t, 0, hub.Count())
}

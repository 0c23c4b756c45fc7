/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravwell/agentlog/analytics"
	"github.com/gravwell/agentlog/discovery"
	"github.com/gravwell/agentlog/forwarder"
	"github.com/gravwell/agentlog/record"
	"github.com/gravwell/agentlog/registry"
	"github.com/gravwell/agentlog/sink"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg, err := registry.New(filepath.Join(t.TempDir(), "registry.db"), t.TempDir(), discovery.Linux, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	fs, err := forwarder.New(filepath.Join(t.TempDir(), "forwarders.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	coord := sink.NewCoordinator(sink.Config{})
	t.Cleanup(coord.Close)

	eng := analytics.NewEngine(analytics.Config{})

	return &Server{Registry: reg, Forwarder: fs, Sink: coord, Analytics: eng}
}

func TestHealthReportsHealthyWithNoAgents(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rw := httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)

	require.Equal(t, 200, rw.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
}

func TestHealthIncludesHostCheckWhenDataDirSet(t *testing.T) {
	s := newTestServer(t)
	s.DataDir = t.TempDir()

	req := httptest.NewRequest("GET", "/health", nil)
	rw := httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)

	require.Equal(t, 200, rw.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
	host, ok := resp.Checks["host"]
	require.True(t, ok, "expected a host check in %v", resp.Checks)
	require.Contains(t, host, "mem_used_percent")
	require.Contains(t, host, "data_dir_used_percent")
}

func TestAgentAddListDelete(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(registry.Descriptor{
		ID: "custom-1", Name: "my agent", Kind: record.Custom,
		Targets: []registry.Target{{Path: t.TempDir()}}, Format: "text",
	})
	req := httptest.NewRequest("POST", "/api/agents/custom", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)
	require.Equal(t, 201, rw.Code)

	req = httptest.NewRequest("GET", "/api/agents", nil)
	rw = httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)
	var agents []registry.Descriptor
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &agents))
	require.Len(t, agents, 1)

	req = httptest.NewRequest("DELETE", "/api/agents/custom/custom-1", nil)
	rw = httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)
	require.Equal(t, 204, rw.Code)
}

func TestLogsFiltersBySeverityAndLimit(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()

	in := make(chan record.Record, 2)
	in <- record.Record{Timestamp: now, Severity: record.Error, SourceID: "src-a", Message: "boom"}
	in <- record.Record{Timestamp: now, Severity: record.Info, SourceID: "src-a", Message: "ok"}
	close(in)

	done := make(chan struct{})
	go func() {
		s.Sink.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not drain in time")
	}

	req := httptest.NewRequest("GET", "/api/logs?severity=error", nil)
	rw := httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)
	var recs []record.Record
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	require.Equal(t, "boom", recs[0].Message)
}

func TestForwarderTestConnectionReportsFailureWithoutPersisting(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(forwarder.Descriptor{
		Host: "127.0.0.1", Port: 1, Protocol: forwarder.TCP, Format: forwarder.FormatRFC3164,
	})
	req := httptest.NewRequest("POST", "/api/syslog/test-connection", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)
	require.Equal(t, 200, rw.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
	require.Equal(t, false, resp["success"])
	require.Empty(t, s.Forwarder.List())
}

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package api implements the REST surface named in §6: agent registry CRUD,
// recent-log lookup, analytics snapshots, and syslog forwarder CRUD plus
// test_connection, fronting the registry/sink/analytics/forwarder packages
// behind plain net/http handlers. No router framework is introduced; the
// teacher's own HTTP-facing ingesters (HttpIngester) wire routes by hand the
// same way.
package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gravwell/agentlog/analytics"
	"github.com/gravwell/agentlog/forwarder"
	"github.com/gravwell/agentlog/ingest/log"
	"github.com/gravwell/agentlog/record"
	"github.com/gravwell/agentlog/registry"
	"github.com/gravwell/agentlog/sink"
)

// SearchQuerier is implemented by whatever search index backend a
// deployment wires in; GET /api/logs/search responds 501 when nil, since
// SPEC_FULL's search index is an external collaborator with no concrete
// query DSL in scope.
type SearchQuerier interface {
	Query(query string, limit int) ([]record.Record, error)
}

// Server holds every component the REST surface fronts. All fields except
// Search are required.
type Server struct {
	Registry  *registry.Registry
	Forwarder *forwarder.Set
	Sink      *sink.Coordinator
	Analytics *analytics.Engine
	Search    SearchQuerier
	Logger    *log.Logger

	// DataDir is the directory /health reports free space against; left
	// empty it is skipped rather than defaulted, since a deployment may not
	// want the host filesystem probed on every poll.
	DataDir string
}

// Handler builds the *http.ServeMux serving the routes named in §6. It
// does not include /ws; callers mount that separately against the hub.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/agents", s.handleAgentList)
	mux.HandleFunc("POST /api/agents/refresh", s.handleAgentRefresh)
	mux.HandleFunc("POST /api/agents/custom", s.handleAgentAdd)
	mux.HandleFunc("PUT /api/agents/custom/{id}", s.handleAgentUpdate)
	mux.HandleFunc("DELETE /api/agents/custom/{id}", s.handleAgentDelete)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/logs/search", s.handleLogSearch)
	mux.HandleFunc("GET /api/analytics/summary", s.handleAnalyticsSummary)
	mux.HandleFunc("GET /api/syslog/forwarders", s.handleForwarderList)
	mux.HandleFunc("POST /api/syslog/forwarders", s.handleForwarderAdd)
	mux.HandleFunc("PUT /api/syslog/forwarders/{id}", s.handleForwarderUpdate)
	mux.HandleFunc("DELETE /api/syslog/forwarders/{id}", s.handleForwarderDelete)
	mux.HandleFunc("POST /api/syslog/test-connection", s.handleForwarderTest)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type healthResponse struct {
	Status string                    `json:"status"`
	Checks map[string]map[string]any `json:"checks"`
}

// handleHealth implements the §6 `/health` contract plus a structured
// `checks` map, returning per-category sub-status detail rather than a
// bare status string.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents := s.Registry.List()
	var active, degraded, inactive int
	for _, d := range agents {
		switch d.State {
		case registry.Active:
			active++
		case registry.Degraded:
			degraded++
		case registry.Inactive:
			inactive++
		}
	}
	columnarDrops, searchDrops := s.Sink.Drops()
	forwarderDrops := s.Forwarder.Drops()

	status := "healthy"
	if degraded > 0 || forwarderDrops > 0 || columnarDrops > 0 || searchDrops > 0 {
		status = "degraded"
	}

	resp := healthResponse{
		Status: status,
		Checks: map[string]map[string]any{
			"agents": {
				"active": active, "degraded": degraded, "inactive": inactive,
			},
			"sinks": {
				"columnar_drop_total": columnarDrops, "search_drop_total": searchDrops,
			},
			"forwarders": {
				"drop_total": forwarderDrops,
			},
		},
	}
	if host := s.hostCheck(); host != nil {
		resp.Checks["host"] = host
		if pct, ok := host["mem_used_percent"].(float64); ok && pct > 90 {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// hostCheck reports host memory and (when DataDir is set) data-directory
// disk usage. gopsutil failures are swallowed into a missing key rather than
// failing the whole /health response: host introspection is best-effort,
// never the reason a load balancer marks this node down.
func (s *Server) hostCheck() map[string]any {
	out := map[string]any{}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["mem_used_percent"] = vm.UsedPercent
		out["mem_available_bytes"] = vm.Available
	}
	if s.DataDir != "" {
		if du, err := disk.Usage(s.DataDir); err == nil {
			out["data_dir_used_percent"] = du.UsedPercent
			out["data_dir_free_bytes"] = du.Free
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.List())
}

func (s *Server) handleAgentRefresh(w http.ResponseWriter, r *http.Request) {
	s.Registry.Refresh()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentAdd(w http.ResponseWriter, r *http.Request) {
	var d registry.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.Registry.Add(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	var d registry.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d.ID = r.PathValue("id")
	out, err := s.Registry.Update(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.Delete(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogs implements `GET /api/logs?from&to&source&severity&limit`: the
// recent cache is the only store the core itself owns, so "recent cache ∪
// columnar store" narrows to the recent cache here; a deployment's columnar
// store is queried by whatever external tooling reads its own bulk format.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var recs []record.Record
	if src := q.Get("source"); src != "" {
		recs = s.Sink.Recent(src)
	} else {
		recs = s.Sink.RecentAll()
	}

	if from, err := parseRFC3339(q.Get("from")); err == nil {
		recs = filterRecords(recs, func(rec record.Record) bool { return !rec.Timestamp.Before(from) })
	}
	if to, err := parseRFC3339(q.Get("to")); err == nil {
		recs = filterRecords(recs, func(rec record.Record) bool { return !rec.Timestamp.After(to) })
	}
	if sevStr := q.Get("severity"); sevStr != "" {
		floor := record.ParseSeverity(sevStr)
		recs = filterRecords(recs, func(rec record.Record) bool { return rec.Severity >= floor })
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })

	limit := 100
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = n
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleLogSearch(w http.ResponseWriter, r *http.Request) {
	if s.Search == nil {
		writeError(w, http.StatusNotImplemented, errNoSearchBackend)
		return
	}
	query := r.URL.Query().Get("query")
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	recs, err := s.Search.Query(query, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Analytics.Snapshot())
}

func (s *Server) handleForwarderList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Forwarder.List())
}

func (s *Server) handleForwarderAdd(w http.ResponseWriter, r *http.Request) {
	var d forwarder.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.Forwarder.Add(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleForwarderUpdate(w http.ResponseWriter, r *http.Request) {
	var d forwarder.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d.ID = r.PathValue("id")
	out, err := s.Forwarder.Update(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleForwarderDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Forwarder.Delete(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForwarderTest(w http.ResponseWriter, r *http.Request) {
	var d forwarder.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := forwarder.TestConnection(d); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func filterRecords(in []record.Record, keep func(record.Record) bool) []record.Record {
	out := in[:0]
	for _, rec := range in {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func parseRFC3339(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errEmptyTimeParam
	}
	return time.Parse(time.RFC3339, s)
}

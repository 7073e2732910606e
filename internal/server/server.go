// Package server exposes the read-only JSON API: briefing, freshness, and
// knowledge-graph lookups. All writes go through the collectors, the
// enrichment engine, or the CLI; the HTTP surface never mutates state.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cropwatch/cropwatch/internal/database"
	"github.com/cropwatch/cropwatch/internal/freshness"
	"github.com/cropwatch/cropwatch/internal/schedule"
)

// Server is the HTTP server for the status and knowledge-graph API.
type Server struct {
	db        *database.DB
	schedules func() *schedule.Registry
	mux       *http.ServeMux

	// Now is overridable for tests.
	Now func() time.Time
}

// New creates a server. The schedule registry is read through a function so
// configuration reloads are picked up without restarting the listener.
func New(db *database.DB, schedules func() *schedule.Registry) *Server {
	s := &Server{
		db:        db,
		schedules: schedules,
		mux:       http.NewServeMux(),
		Now:       time.Now,
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/briefing", s.handleBriefing)
	s.mux.HandleFunc("/api/freshness", s.handleFreshness)
	s.mux.HandleFunc("/api/kg/context", s.handleContext)
	s.mux.HandleFunc("/api/kg/relationships", s.handleRelationships)
	s.mux.HandleFunc("/api/kg/search", s.handleSearch)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"total_runs":      stats.TotalRuns,
		"successful_runs": stats.SuccessfulRuns,
		"failed_runs":     stats.FailedRuns,
		"unacked_events":  stats.UnackedEvents,
		"graph_nodes":     stats.Nodes,
		"graph_edges":     stats.Edges,
		"graph_contexts":  stats.Contexts,
		"collectors":      len(s.schedules().Entries()),
	})
}

type eventJSON struct {
	ID       int64   `json:"id"`
	Type     string  `json:"type"`
	Time     string  `json:"time"`
	Source   string  `json:"source"`
	Summary  string  `json:"summary"`
	Details  *string `json:"details,omitempty"`
	Priority int     `json:"priority"`
}

func toEventJSON(e database.Event) eventJSON {
	return eventJSON{
		ID: e.ID, Type: e.Type, Time: e.Time.Format(time.RFC3339),
		Source: e.Source, Summary: e.Summary, Details: e.Details,
		Priority: e.Priority,
	}
}

// handleBriefing returns the morning view: unacknowledged events grouped by
// priority plus anything stale or overdue.
func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	events, err := s.db.UnacknowledgedEvents(0)
	if err != nil {
		s.internalError(w, err)
		return
	}
	grouped := map[string][]eventJSON{
		"critical":  {},
		"important": {},
		"info":      {},
	}
	for _, e := range events {
		switch e.Priority {
		case database.PriorityCritical:
			grouped["critical"] = append(grouped["critical"], toEventJSON(e))
		case database.PriorityImportant:
			grouped["important"] = append(grouped["important"], toEventJSON(e))
		default:
			grouped["info"] = append(grouped["info"], toEventJSON(e))
		}
	}

	reports, err := freshness.Evaluate(s.db, s.schedules(), s.Now())
	if err != nil {
		s.internalError(w, err)
		return
	}
	var attention []freshness.Report
	for _, rep := range reports {
		if rep.Status == freshness.StatusStale || rep.Status == freshness.StatusNever {
			attention = append(attention, rep)
		}
	}

	writeJSON(w, map[string]any{
		"generated_at":    s.Now().UTC().Format(time.RFC3339),
		"events":          grouped,
		"needs_attention": attention,
	})
}

func (s *Server) handleFreshness(w http.ResponseWriter, r *http.Request) {
	reports, err := freshness.Evaluate(s.db, s.schedules(), s.Now())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, map[string]any{"collectors": reports})
}

type contextJSON struct {
	Type           string  `json:"type"`
	Key            string  `json:"key"`
	Value          any     `json:"value"`
	ApplicableWhen *string `json:"applicable_when,omitempty"`
	Source         string  `json:"source"`
	LastUpdated    string  `json:"last_updated"`
}

// handleContext returns a node with all its contexts, computed and analyst.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("node")
	if key == "" {
		http.Error(w, "missing node parameter", http.StatusBadRequest)
		return
	}
	node, err := s.db.NodeByKey(key)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if node == nil {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}

	contexts, err := s.db.ContextsForNode(node.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	out := make([]contextJSON, 0, len(contexts))
	for _, c := range contexts {
		// Context values are JSON payloads; embed them instead of
		// double-encoding.
		var value any
		if err := json.Unmarshal([]byte(c.Value), &value); err != nil {
			value = c.Value
		}
		out = append(out, contextJSON{
			Type: c.Type, Key: c.Key, Value: value,
			ApplicableWhen: c.ApplicableWhen, Source: c.Source,
			LastUpdated: c.LastUpdated.Format(time.RFC3339),
		})
	}

	writeJSON(w, map[string]any{
		"node": map[string]any{
			"key":        node.Key,
			"type":       node.Type,
			"label":      node.Label,
			"properties": node.Properties,
		},
		"contexts": out,
	})
}

// handleRelationships returns the edges touching a node, with endpoint keys
// resolved to labels.
func (s *Server) handleRelationships(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("node")
	if key == "" {
		http.Error(w, "missing node parameter", http.StatusBadRequest)
		return
	}
	direction := r.URL.Query().Get("direction")
	switch direction {
	case "", database.DirectionBoth:
		direction = database.DirectionBoth
	case database.DirectionIn, database.DirectionOut:
	default:
		http.Error(w, "direction must be in, out, or both", http.StatusBadRequest)
		return
	}

	node, err := s.db.NodeByKey(key)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if node == nil {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}

	edges, err := s.db.EdgesForNode(node.ID, direction)
	if err != nil {
		s.internalError(w, err)
		return
	}

	type edgeJSON struct {
		Type       string  `json:"type"`
		Source     string  `json:"source"`
		Target     string  `json:"target"`
		Weight     float64 `json:"weight"`
		Confidence float64 `json:"confidence"`
		CreatedBy  string  `json:"created_by"`
	}
	out := make([]edgeJSON, 0, len(edges))
	for _, e := range edges {
		sourceKey, err := s.nodeKey(e.SourceNodeID)
		if err != nil {
			s.internalError(w, err)
			return
		}
		targetKey, err := s.nodeKey(e.TargetNodeID)
		if err != nil {
			s.internalError(w, err)
			return
		}
		out = append(out, edgeJSON{
			Type: e.Type, Source: sourceKey, Target: targetKey,
			Weight: e.Weight, Confidence: e.Confidence, CreatedBy: e.CreatedBy,
		})
	}
	writeJSON(w, map[string]any{"node": node.Key, "edges": out})
}

func (s *Server) nodeKey(id int64) (string, error) {
	n, err := s.db.NodeByID(id)
	if err != nil {
		return "", err
	}
	if n == nil {
		return "", fmt.Errorf("dangling edge endpoint %d", id)
	}
	return n.Key, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "missing q parameter", http.StatusBadRequest)
		return
	}
	var nodeType *string
	if t := r.URL.Query().Get("type"); t != "" {
		nodeType = &t
	}

	nodes, err := s.db.SearchNodes(q, nodeType)
	if err != nil {
		s.internalError(w, err)
		return
	}
	type nodeJSON struct {
		Key   string `json:"key"`
		Type  string `json:"type"`
		Label string `json:"label"`
	}
	out := make([]nodeJSON, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeJSON{Key: n.Key, Type: n.Type, Label: n.Label})
	}
	writeJSON(w, map[string]any{"results": out})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	log.Printf("server error: %v", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding response: %v", err)
	}
}

// Serve starts the HTTP server on the given port, bound to localhost.
func Serve(db *database.DB, schedules func() *schedule.Registry, port int) error {
	srv := New(db, schedules)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
